package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/devghori1264/mcpanel/internal/models"
	"github.com/devghori1264/mcpanel/internal/orchestrator"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const allowedChat int64 = 42

type fakeBot struct {
	updates chan tgbotapi.Update

	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
}

func newFakeBot() *fakeBot {
	return &fakeBot{updates: make(chan tgbotapi.Update, 16)}
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, c)
	return tgbotapi.Message{MessageID: len(b.sent)}, nil
}

func (b *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (b *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return b.updates
}

func (b *fakeBot) StopReceivingUpdates() {}

func (b *fakeBot) sentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

func (b *fakeBot) sentAt(i int) tgbotapi.Chattable {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent[i]
}

func (b *fakeBot) callbacks() []tgbotapi.CallbackConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []tgbotapi.CallbackConfig
	for _, r := range b.requests {
		if cb, ok := r.(tgbotapi.CallbackConfig); ok {
			out = append(out, cb)
		}
	}
	return out
}

type fakeLifecycle struct {
	mu        sync.Mutex
	rec       models.LifecycleRecord
	startErr  error
	starts    int
	reconcile func() (*models.LifecycleRecord, error)
}

func (f *fakeLifecycle) ServerID() string { return "mc-1" }

func (f *fakeLifecycle) Status(context.Context) (*models.LifecycleRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rec.Clone(), nil
}

func (f *fakeLifecycle) RequestStart(context.Context) (*orchestrator.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &orchestrator.Ack{Token: "tok-1", Phase: models.PhaseProvisioning}, nil
}

func (f *fakeLifecycle) RequestStop(context.Context) (*orchestrator.Ack, error) {
	return &orchestrator.Ack{Token: "tok-2", Phase: models.PhaseStopping}, nil
}

func (f *fakeLifecycle) Reconcile(context.Context) (*models.LifecycleRecord, error) {
	return f.reconcile()
}

func (f *fakeLifecycle) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func startGateway(t *testing.T, lc Lifecycle) (*fakeBot, *orchestrator.Hub) {
	t.Helper()
	bot := newFakeBot()
	hub := orchestrator.NewHub()
	g := New(bot, lc, hub, allowedChat)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = g.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		bot.mu.Lock()
		defer bot.mu.Unlock()
		return len(bot.requests) > 0
	}, time.Second, time.Millisecond)
	return bot, hub
}

func command(chatID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 1,
		Chat:      &tgbotapi.Chat{ID: chatID},
		Text:      text,
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(text)}},
	}}
}

func callback(chatID int64, data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb-" + data,
		Data:    data,
		Message: &tgbotapi.Message{MessageID: 7, Chat: &tgbotapi.Chat{ID: chatID}},
	}}
}

func buttons(t *testing.T, markup any) []string {
	t.Helper()
	kb, ok := markup.(*tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok, "expected inline keyboard, got %T", markup)
	var data []string
	for _, row := range kb.InlineKeyboard {
		for _, b := range row {
			data = append(data, *b.CallbackData)
		}
	}
	return data
}

func TestPendingUpdatesDropped(t *testing.T) {
	bot, _ := startGateway(t, &fakeLifecycle{rec: models.LifecycleRecord{Phase: models.PhaseStopped}})
	bot.mu.Lock()
	defer bot.mu.Unlock()
	cfg, ok := bot.requests[0].(tgbotapi.DeleteWebhookConfig)
	require.True(t, ok)
	assert.True(t, cfg.DropPendingUpdates)
}

func TestForeignChatDenied(t *testing.T) {
	lc := &fakeLifecycle{rec: models.LifecycleRecord{Phase: models.PhaseStopped}}
	bot, _ := startGateway(t, lc)

	bot.updates <- command(999, "/start")
	require.Eventually(t, func() bool { return bot.sentCount() == 1 }, time.Second, time.Millisecond)
	msg := bot.sentAt(0).(tgbotapi.MessageConfig)
	assert.Equal(t, int64(999), msg.ChatID)
	assert.Contains(t, msg.Text, "do not have access")

	bot.updates <- callback(999, CmdStart)
	require.Eventually(t, func() bool { return len(bot.callbacks()) == 1 }, time.Second, time.Millisecond)
	assert.True(t, bot.callbacks()[0].ShowAlert)
	assert.Zero(t, lc.startCount())
}

func TestStartShowsKeyboardForPhase(t *testing.T) {
	bot, _ := startGateway(t, &fakeLifecycle{rec: models.LifecycleRecord{Phase: models.PhaseStopped}})

	bot.updates <- command(allowedChat, "/start")
	require.Eventually(t, func() bool { return bot.sentCount() == 1 }, time.Second, time.Millisecond)
	msg := bot.sentAt(0).(tgbotapi.MessageConfig)
	assert.Equal(t, []string{CmdStart, CmdStatus}, buttons(t, msg.ReplyMarkup))
}

func TestDuplicateStartAlerts(t *testing.T) {
	lc := &fakeLifecycle{
		rec:      models.LifecycleRecord{Phase: models.PhaseRunning},
		startErr: &orchestrator.PreconditionError{Op: "start", Phase: models.PhaseRunning, Reason: "already running"},
	}
	bot, _ := startGateway(t, lc)

	bot.updates <- callback(allowedChat, CmdStart)
	require.Eventually(t, func() bool { return len(bot.callbacks()) == 1 }, time.Second, time.Millisecond)
	cb := bot.callbacks()[0]
	assert.True(t, cb.ShowAlert)
	assert.Equal(t, "Server is already running!", cb.Text)
	assert.Zero(t, bot.sentCount(), "rejected request must not touch the panel")
}

func TestProgressFollowsPhaseChanges(t *testing.T) {
	lc := &fakeLifecycle{rec: models.LifecycleRecord{Phase: models.PhaseStopped}}
	bot, hub := startGateway(t, lc)

	bot.updates <- callback(allowedChat, CmdStart)
	require.Eventually(t, func() bool { return bot.sentCount() == 1 }, time.Second, time.Millisecond)
	edit := bot.sentAt(0).(tgbotapi.EditMessageTextConfig)
	assert.Equal(t, 7, edit.MessageID)
	assert.Contains(t, edit.Text, "Creating the VM")

	hub.Notify(context.Background(), models.LifecycleEvent{
		From: models.PhaseProvisioning, To: models.PhaseRestoring,
		Record: models.LifecycleRecord{Phase: models.PhaseRestoring, PendingOperationToken: "tok-1", LastToken: "tok-1"},
	})
	require.Eventually(t, func() bool { return bot.sentCount() == 2 }, time.Second, time.Millisecond)
	assert.Contains(t, bot.sentAt(1).(tgbotapi.EditMessageTextConfig).Text, "Restoring the world")

	// events of other operations are ignored
	hub.Notify(context.Background(), models.LifecycleEvent{
		To:     models.PhaseStopping,
		Record: models.LifecycleRecord{Phase: models.PhaseStopping, PendingOperationToken: "other"},
	})

	hub.Notify(context.Background(), models.LifecycleEvent{
		From: models.PhaseRestoring, To: models.PhaseRunning,
		Record: models.LifecycleRecord{Phase: models.PhaseRunning, LastToken: "tok-1", PublicAddress: "10.0.0.5"},
	})
	require.Eventually(t, func() bool { return bot.sentCount() == 4 }, time.Second, time.Millisecond)
	final := bot.sentAt(3).(tgbotapi.MessageConfig)
	assert.Contains(t, final.Text, "10.0.0.5")
	assert.Equal(t, []string{CmdStop, CmdStatus}, buttons(t, final.ReplyMarkup))
}

func TestReconcileMismatchShowsFailure(t *testing.T) {
	failed := &models.LifecycleRecord{Phase: models.PhaseFailed, LastError: "instance i-1 unreachable"}
	lc := &fakeLifecycle{reconcile: func() (*models.LifecycleRecord, error) {
		return failed, &orchestrator.MismatchError{Phase: models.PhaseFailed, Detail: "unreachable"}
	}}
	bot, _ := startGateway(t, lc)

	bot.updates <- callback(allowedChat, CmdReconcile)
	require.Eventually(t, func() bool { return bot.sentCount() == 1 }, time.Second, time.Millisecond)
	edit := bot.sentAt(0).(tgbotapi.EditMessageTextConfig)
	assert.Contains(t, edit.Text, "instance i-1 unreachable")
	assert.Equal(t, []string{CmdReconcile, CmdStatus}, buttons(t, edit.ReplyMarkup))
}

func TestAlertText(t *testing.T) {
	assert.Equal(t, "Server is already stopped!",
		alertText(&orchestrator.PreconditionError{Op: "stop", Phase: models.PhaseStopped, Reason: "already stopped"}))
	assert.Equal(t, "Another operation is in progress: archiving",
		alertText(&orchestrator.PreconditionError{Op: "start", Phase: models.PhaseArchiving, Reason: "busy: archiving"}))
	assert.Equal(t, "Server is in a failed state, press Reconcile first.",
		alertText(&orchestrator.PreconditionError{Op: "start", Phase: models.PhaseFailed, Reason: "failed: reconcile first"}))
}
