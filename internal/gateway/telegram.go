// Package gateway is the Telegram front end: it turns button presses into
// lifecycle requests and edits a progress message as the phase advances.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/devghori1264/mcpanel/internal/models"
	"github.com/devghori1264/mcpanel/internal/orchestrator"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Callback data carried by the inline buttons.
const (
	CmdStart     = "cmd_start_server"
	CmdStop      = "cmd_stop_server"
	CmdReconcile = "cmd_reconcile"
	CmdStatus    = "cmd_status"
)

// BotAPI is the subset of *tgbotapi.BotAPI the gateway uses.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Lifecycle is the orchestrator surface the gateway drives.
type Lifecycle interface {
	ServerID() string
	Status(ctx context.Context) (*models.LifecycleRecord, error)
	RequestStart(ctx context.Context) (*orchestrator.Ack, error)
	RequestStop(ctx context.Context) (*orchestrator.Ack, error)
	Reconcile(ctx context.Context) (*models.LifecycleRecord, error)
}

// Events delivers committed phase changes.
type Events interface {
	Subscribe(buffer int) (<-chan models.LifecycleEvent, func())
}

type progressMessage struct {
	chatID    int64
	messageID int
}

type Gateway struct {
	bot     BotAPI
	lc      Lifecycle
	events  Events
	allowed int64
	log     *zap.Logger

	// progress maps an operation token to the message tracking it. Only the
	// Run goroutine touches it.
	progress map[string]progressMessage
}

type Option func(*Gateway)

func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// New serves a single allowed chat.
func New(bot BotAPI, lc Lifecycle, events Events, allowedChatID int64, opts ...Option) *Gateway {
	g := &Gateway{
		bot:      bot,
		lc:       lc,
		events:   events,
		allowed:  allowedChatID,
		log:      zap.NewNop(),
		progress: make(map[string]progressMessage),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run polls for updates until ctx is cancelled. Updates queued while the
// bot was offline are dropped.
func (g *Gateway) Run(ctx context.Context) error {
	if _, err := g.bot.Request(tgbotapi.DeleteWebhookConfig{DropPendingUpdates: true}); err != nil {
		return fmt.Errorf("drop pending updates: %w", err)
	}

	events, unsubscribe := g.events.Subscribe(64)
	defer unsubscribe()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := g.bot.GetUpdatesChan(u)
	defer g.bot.StopReceivingUpdates()

	g.log.Info("telegram gateway started", zap.Int64("chat", g.allowed))
	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			g.handleUpdate(ctx, upd)
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			g.handleEvent(ev)
		}
	}
}

func (g *Gateway) handleUpdate(ctx context.Context, upd tgbotapi.Update) {
	switch {
	case upd.CallbackQuery != nil:
		g.handleCallback(ctx, upd.CallbackQuery)
	case upd.Message != nil && upd.Message.IsCommand():
		g.handleCommand(ctx, upd.Message)
	}
}

func (g *Gateway) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if chatID != g.allowed {
		g.log.Warn("unauthorized access", zap.Int64("chat", chatID))
		g.send(tgbotapi.NewMessage(chatID, "⛔ You do not have access to this bot."))
		return
	}

	switch msg.Command() {
	case "start", "status":
		rec, err := g.lc.Status(ctx)
		if err != nil {
			g.send(tgbotapi.NewMessage(chatID, "⚠️ Could not read server state: "+err.Error()))
			return
		}
		out := tgbotapi.NewMessage(chatID, "👋 Minecraft server orchestrator.\n"+panelText(rec))
		out.ParseMode = tgbotapi.ModeMarkdown
		out.ReplyMarkup = keyboard(rec.Phase)
		g.send(out)
	}
}

func (g *Gateway) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil || cb.Message.Chat == nil {
		g.answer(tgbotapi.NewCallback(cb.ID, ""))
		return
	}
	chatID, messageID := cb.Message.Chat.ID, cb.Message.MessageID
	if chatID != g.allowed {
		g.log.Warn("unauthorized callback", zap.Int64("chat", chatID), zap.String("data", cb.Data))
		g.answer(tgbotapi.NewCallbackWithAlert(cb.ID, "⛔ Access denied."))
		return
	}

	switch cb.Data {
	case CmdStart, CmdStop:
		request := g.lc.RequestStart
		if cb.Data == CmdStop {
			request = g.lc.RequestStop
		}
		ack, err := request(ctx)
		if err != nil {
			g.answer(tgbotapi.NewCallbackWithAlert(cb.ID, alertText(err)))
			return
		}
		g.progress[ack.Token] = progressMessage{chatID: chatID, messageID: messageID}
		g.edit(chatID, messageID, progressText(ack.Phase), nil)
		g.answer(tgbotapi.NewCallback(cb.ID, ""))

	case CmdReconcile:
		rec, err := g.lc.Reconcile(ctx)
		var mismatch *orchestrator.MismatchError
		switch {
		case errors.As(err, &mismatch) && rec != nil:
			g.edit(chatID, messageID, failedText(rec), keyboard(rec.Phase))
		case err != nil:
			g.answer(tgbotapi.NewCallbackWithAlert(cb.ID, alertText(err)))
			return
		case rec.Phase.Transitional():
			g.progress[rec.PendingOperationToken] = progressMessage{chatID: chatID, messageID: messageID}
			g.edit(chatID, messageID, progressText(rec.Phase), nil)
		default:
			g.edit(chatID, messageID, panelText(rec), keyboard(rec.Phase))
		}
		g.answer(tgbotapi.NewCallback(cb.ID, "Reconciled"))

	case CmdStatus:
		rec, err := g.lc.Status(ctx)
		if err != nil {
			g.answer(tgbotapi.NewCallbackWithAlert(cb.ID, alertText(err)))
			return
		}
		g.edit(chatID, messageID, panelText(rec), keyboard(rec.Phase))
		g.answer(tgbotapi.NewCallback(cb.ID, ""))

	default:
		g.answer(tgbotapi.NewCallback(cb.ID, ""))
	}
}

// handleEvent advances the progress message of the operation the event
// belongs to, and posts the outcome once the operation settles.
func (g *Gateway) handleEvent(ev models.LifecycleEvent) {
	token := ev.Record.PendingOperationToken
	if token == "" {
		token = ev.Record.LastToken
	}
	pm, ok := g.progress[token]
	if !ok {
		return
	}

	if ev.To.Transitional() {
		g.edit(pm.chatID, pm.messageID, progressText(ev.To), nil)
		return
	}
	delete(g.progress, token)

	var text string
	switch ev.To {
	case models.PhaseRunning:
		text = fmt.Sprintf("✅ Server is up!\n🌐 Address: `%s`", ev.Record.PublicAddress)
	case models.PhaseStopped:
		text = "💾 Server stopped, the VM and its address are released."
		if ev.Record.BackupVersion > 0 {
			text = fmt.Sprintf("💾 Backup %d saved, the VM and its address are released.", ev.Record.BackupVersion)
		}
	default:
		text = failedText(&ev.Record)
	}
	g.edit(pm.chatID, pm.messageID, "Done.", nil)

	out := tgbotapi.NewMessage(pm.chatID, text+"\n\nControl panel:")
	if ev.To != models.PhaseFailed {
		out.ParseMode = tgbotapi.ModeMarkdown
	}
	out.ReplyMarkup = keyboard(ev.To)
	g.send(out)
}

func (g *Gateway) send(c tgbotapi.Chattable) {
	if _, err := g.bot.Send(c); err != nil {
		g.log.Warn("telegram send", zap.Error(err))
	}
}

func (g *Gateway) answer(c tgbotapi.CallbackConfig) {
	if _, err := g.bot.Request(c); err != nil {
		g.log.Debug("telegram answer callback", zap.Error(err))
	}
}

func (g *Gateway) edit(chatID int64, messageID int, text string, kb *tgbotapi.InlineKeyboardMarkup) {
	cfg := tgbotapi.NewEditMessageText(chatID, messageID, text)
	cfg.ReplyMarkup = kb
	if _, err := g.bot.Send(cfg); err != nil {
		// "message is not modified" on repeated refreshes
		g.log.Debug("telegram edit", zap.Error(err))
	}
}

func keyboard(p models.Phase) *tgbotapi.InlineKeyboardMarkup {
	var row []tgbotapi.InlineKeyboardButton
	switch p {
	case models.PhaseStopped:
		row = append(row, tgbotapi.NewInlineKeyboardButtonData("🟢 Start server", CmdStart))
	case models.PhaseRunning:
		row = append(row, tgbotapi.NewInlineKeyboardButtonData("🔴 Stop server", CmdStop))
	case models.PhaseFailed:
		row = append(row, tgbotapi.NewInlineKeyboardButtonData("🛠 Reconcile", CmdReconcile))
	}
	row = append(row, tgbotapi.NewInlineKeyboardButtonData("🔄 Refresh", CmdStatus))
	kb := tgbotapi.NewInlineKeyboardMarkup(row)
	return &kb
}

func panelText(rec *models.LifecycleRecord) string {
	switch rec.Phase {
	case models.PhaseRunning:
		return fmt.Sprintf("Server is *running*.\n🌐 Address: `%s`", rec.PublicAddress)
	case models.PhaseStopped:
		return "Server is *stopped*."
	case models.PhaseFailed:
		return "Server is *failed*. Fix the cause and press Reconcile."
	default:
		return progressText(rec.Phase)
	}
}

func progressText(p models.Phase) string {
	switch p {
	case models.PhaseProvisioning:
		return "⏳ Creating the VM..."
	case models.PhaseRestoring:
		return "⏳ VM created. Restoring the world and starting the server..."
	case models.PhaseStopping:
		return "⏳ Stopping the server..."
	case models.PhaseArchiving:
		return "⏳ Uploading the world backup..."
	case models.PhaseTearingDown:
		return "⏳ Backup saved. Deleting the VM..."
	default:
		return "⏳ Working..."
	}
}

func failedText(rec *models.LifecycleRecord) string {
	msg := "❌ Operation failed"
	if rec.LastError != "" {
		msg += ": " + rec.LastError
	}
	return msg + "\nPress Reconcile once the cause is fixed."
}

func alertText(err error) string {
	var pe *orchestrator.PreconditionError
	if !errors.As(err, &pe) {
		return "⚠️ " + err.Error()
	}
	switch {
	case pe.Reason == "already running":
		return "Server is already running!"
	case pe.Reason == "already stopped":
		return "Server is already stopped!"
	case pe.Phase == models.PhaseFailed:
		return "Server is in a failed state, press Reconcile first."
	case pe.Phase.Transitional():
		return "Another operation is in progress: " + string(pe.Phase)
	default:
		return pe.Reason
	}
}
