package eventlog

/*
EventLogger буферизует события, дедуплицирует экспозиции и отправляет их
пачками на /v1/rgstr.

- Serial worker: всё состояние логгера (очередь событий, dedupe, счетчики
  non-exposed проверок, набор уже залогированных ошибок) принадлежит одной
  горутине. Публичные методы только ставят задачу в канал.
- Load Shedding: Log не блокирует вызывающий код; при переполнении канала
  событие сбрасывается.
- Failure recovery: неотправленные батчи лежат в failedQueue (под mutex)
  и зеркалируются в KV-хранилище; RetryFailedRequests пытается их дослать.
- Drain on Stop: Stop синхронно делает финальный флаш и ждет ответа сети.
*/

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/xela07ax/flagkit/internal/boundary"
	"github.com/xela07ax/flagkit/internal/domain"
	"github.com/xela07ax/flagkit/internal/infra"
	"github.com/xela07ax/flagkit/internal/network"
	"github.com/xela07ax/flagkit/internal/repository"
)

// DedupeWindow — окно, в котором повторная экспозиция с тем же ключом не логируется.
const DedupeWindow = 600 * time.Second

const taskBufferSize = 10000

// Sender — сетевая часть, которой логгер отдает готовые тела запросов.
type Sender interface {
	SendEvents(ctx context.Context, body []byte) error
	SendRequestsWithData(ctx context.Context, batches [][]byte) [][]byte
}

// MetadataSource отдает метаданные SDK для тела запроса.
type MetadataSource interface {
	Snapshot() map[string]string
}

type EventLogger struct {
	opts   infra.Options
	sender Sender
	meta   MetadataSource
	failed *failedQueue

	reporter boundary.Reporter
	metrics  *infra.Metrics
	logger   *zap.Logger

	tasks    chan func()
	tasksMu  sync.RWMutex // защищает закрытие tasks
	closed   bool         // под tasksMu
	isClosed atomic.Bool  // Log после Stop отбрасывается
	workerWg sync.WaitGroup
	sends    sync.WaitGroup

	// Тела запросов, которые сейчас в сети; при дедлайне Stop сохраняются
	inflightMu  sync.Mutex
	inflight    map[uint64][][]byte
	inflightSeq uint64

	cronMu  sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
	running bool

	// Состояние ниже трогает только воркер
	user         domain.User
	events       []domain.Event
	dedupe       map[domain.DedupeKey]time.Time
	nonExposed   map[string]int
	loggedErrors map[string]struct{}
	now          func() time.Time
}

// New собирает логгер и поднимает ранее сохраненные неотправленные батчи.
func New(
	ctx context.Context,
	opts infra.Options,
	user domain.User,
	sender Sender,
	meta MetadataSource,
	kv repository.Store,
	reporter boundary.Reporter,
	metrics *infra.Metrics,
	logger *zap.Logger,
) *EventLogger {
	opts = opts.WithDefaults()
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}

	l := &EventLogger{
		opts:         opts,
		sender:       sender,
		meta:         meta,
		failed:       newFailedQueue(kv, infra.FailedLogsKey(opts.SDKKey), opts.MaxFailedLogBytes, metrics.FailedBatchBytes),
		reporter:     reporter,
		metrics:      metrics,
		logger:       logger.With(zap.String("mod", "eventlog")),
		tasks:        make(chan func(), taskBufferSize),
		cron:         cron.New(),
		user:         user,
		dedupe:       make(map[domain.DedupeKey]time.Time),
		nonExposed:   make(map[string]int),
		loggedErrors: make(map[string]struct{}),
		inflight:     make(map[uint64][][]byte),
		now:          time.Now,
	}

	if err := l.failed.load(ctx); err != nil {
		reporter.LogException(boundary.TagStorage, err)
	}

	l.workerWg.Add(1)
	go l.worker()
	return l
}

func (l *EventLogger) worker() {
	defer l.workerWg.Done()
	for task := range l.tasks {
		task()
	}
}

// enqueue ставит задачу воркеру. block=false — стратегия Load Shedding:
// при переполненном канале задача отбрасывается.
func (l *EventLogger) enqueue(task func(), block bool) bool {
	l.tasksMu.RLock()
	defer l.tasksMu.RUnlock()

	if l.closed {
		return false
	}
	if block {
		l.tasks <- task
		return true
	}
	select {
	case l.tasks <- task:
		return true
	default:
		return false
	}
}

// Log ставит событие в очередь. dedupeKey == nil — событие без дедупликации.
func (l *EventLogger) Log(event domain.Event, dedupeKey *domain.DedupeKey) {
	if l.isClosed.Load() {
		l.metrics.Events.WithLabelValues("dropped").Inc()
		l.logger.Warn("event dropped: logger is stopped", zap.String("event", event.EventName))
		return
	}

	if !l.enqueue(func() { l.logInternal(event, dedupeKey) }, false) {
		l.metrics.Events.WithLabelValues("dropped").Inc()
		l.logger.Error("event_buffer_overflow", zap.String("event", event.EventName))
	}
}

func (l *EventLogger) logInternal(event domain.Event, dedupeKey *domain.DedupeKey) {
	if dedupeKey != nil {
		now := l.now()
		if last, ok := l.dedupe[*dedupeKey]; ok && now.Sub(last) < DedupeWindow {
			l.metrics.Events.WithLabelValues("deduped").Inc()
			return
		}
		l.dedupe[*dedupeKey] = now
	}

	l.events = append(l.events, event)
	l.metrics.Events.WithLabelValues("logged").Inc()

	if len(l.events) >= l.opts.MaxQueueSize {
		l.flushInternal(false, nil)
	}
}

// Start запускает периодический флаш. Повторный вызов заменяет расписание.
func (l *EventLogger) Start(flushInterval time.Duration) error {
	if flushInterval <= 0 {
		flushInterval = l.opts.FlushInterval
	}

	l.cronMu.Lock()
	defer l.cronMu.Unlock()

	if l.entryID != 0 {
		l.cron.Remove(l.entryID)
		l.entryID = 0
	}

	id, err := l.cron.AddFunc("@every "+flushInterval.String(), func() {
		l.Flush(false, nil)
	})
	if err != nil {
		return fmt.Errorf("schedule flush: %w", err)
	}
	l.entryID = id

	if !l.running {
		l.cron.Start()
		l.running = true
	}
	return nil
}

func (l *EventLogger) stopTimer() {
	l.cronMu.Lock()
	defer l.cronMu.Unlock()

	if l.entryID != 0 {
		l.cron.Remove(l.entryID)
		l.entryID = 0
	}
	if l.running {
		l.cron.Stop()
		l.running = false
	}
}

// Flush асинхронно добавляет событие non-exposed проверок и отправляет очередь.
// completion (если задан) вызывается в отдельной горутине.
func (l *EventLogger) Flush(persistPendingEvents bool, completion func()) {
	done := asyncCompletion(completion)
	ok := l.enqueue(func() {
		l.addNonExposedChecksEvent()
		l.flushInternal(persistPendingEvents, done)
	}, true)
	if !ok {
		done()
	}
}

// Stop останавливает таймер, синхронно делает финальный флаш и ждет ответа сети.
// После Stop новые события отбрасываются. completion вызывается асинхронно.
func (l *EventLogger) Stop(ctx context.Context, persistPendingEvents bool, completion func()) error {
	if l.isClosed.Swap(true) {
		if completion != nil {
			go completion()
		}
		return nil
	}
	l.stopTimer()

	flushed := make(chan struct{})
	ok := l.enqueue(func() {
		l.addNonExposedChecksEvent()
		l.flushInternal(persistPendingEvents, func() { close(flushed) })
	}, true)
	if !ok {
		close(flushed)
	}

	// Дожидаемся и остальных отправок, чтобы их неудачи успели сохраниться
	sent := make(chan struct{})
	go func() {
		<-flushed
		l.sends.Wait()
		close(sent)
	}()

	var err error
	select {
	case <-sent:
	case <-ctx.Done():
		err = ctx.Err()
		l.logger.Warn("final flush did not complete before deadline", zap.Error(err))
	}

	// Drain Pattern: закрываем вход, воркер дочитывает остатки и выходит
	l.tasksMu.Lock()
	if !l.closed {
		l.closed = true
		close(l.tasks)
	}
	l.tasksMu.Unlock()
	l.workerWg.Wait()

	// Дедлайн истек: недосланные батчи сохраняем, пока хранилище еще открыто
	if err != nil {
		if pending := l.inflightBodies(); len(pending) > 0 {
			l.failed.add(pending...)
			l.persistFailed()
			l.logger.Warn("persisted in-flight batches on stop", zap.Int("count", len(pending)))
		}
	}

	if completion != nil {
		go completion()
	}
	l.logger.Info("event logger stopped")
	return err
}

// IncrementNonExposedCheck считает проверку без экспозиции.
func (l *EventLogger) IncrementNonExposedCheck(name string) {
	l.enqueue(func() { l.nonExposed[name]++ }, false)
}

// ClearExposuresDedupe очищает карту дедупликации (смена пользователя).
func (l *EventLogger) ClearExposuresDedupe() {
	l.enqueue(func() { clear(l.dedupe) }, true)
}

// SetUser меняет пользователя, от имени которого уходят следующие батчи.
func (l *EventLogger) SetUser(user domain.User) {
	l.enqueue(func() { l.user = user }, true)
}

// RetryFailedRequests забирает все сохраненные батчи (из хранилища и памяти),
// стирает их и пытается дослать; обратно сохраняются только неудачные.
func (l *EventLogger) RetryFailedRequests(completion func()) {
	done := asyncCompletion(completion)
	if !l.opts.EventLoggingEnabled {
		done()
		return
	}

	ok := l.enqueue(func() {
		ctx := context.Background()

		stored, err := l.failed.kv.GetList(ctx, l.failed.key)
		if err != nil {
			l.reporter.LogException(boundary.TagStorage, err)
		}
		pending := mergeUnique(stored, l.failed.drain())
		if len(pending) == 0 {
			done()
			return
		}
		if err := l.failed.kv.Remove(ctx, l.failed.key); err != nil {
			l.reporter.LogException(boundary.TagStorage, err)
		}

		untrack := l.trackSend(pending...)
		l.sends.Add(1)
		go func() {
			defer l.sends.Done()
			defer done()
			defer untrack()

			failed := l.sender.SendRequestsWithData(context.Background(), pending)
			l.logger.Debug("retried failed batches", zap.Int("total", len(pending)), zap.Int("failed", len(failed)))
			l.failed.add(failed...)
			for _, b := range pending {
				if !slices.ContainsFunc(failed, func(f []byte) bool { return bytes.Equal(f, b) }) {
					l.failed.remove(b)
				}
			}
			l.persistFailed()
		}()
	}, true)
	if !ok {
		done()
	}
}

// flushInternal выполняется только на воркере.
func (l *EventLogger) flushInternal(persistPendingEvents bool, done func()) {
	if done == nil {
		done = func() {}
	}

	if len(l.events) == 0 {
		l.metrics.Flushes.WithLabelValues("empty").Inc()
		done()
		return
	}

	// Всё, что придет после этой строки, уйдет следующим флашем
	batch := l.events
	l.events = nil

	body, err := network.PrepareEventRequestBody(l.user, batch, l.meta.Snapshot())
	if err != nil {
		// Несериализуемый батч теряется сознательно
		l.metrics.Flushes.WithLabelValues("unserializable").Inc()
		l.reporter.LogException(boundary.TagEventSerialize, err)
		l.logErrorMessageOnce(err.Error())
		done()
		return
	}

	if !l.opts.EventLoggingEnabled {
		l.metrics.Flushes.WithLabelValues("disabled").Inc()
		l.failed.add(body)
		l.persistFailed()
		done()
		return
	}

	if persistPendingEvents {
		l.failed.add(body)
		l.persistFailed()
	}

	untrack := l.trackSend(body)
	l.sends.Add(1)
	go func() {
		defer l.sends.Done()
		defer done()
		defer untrack()

		sendErr := l.sender.SendEvents(context.Background(), body)
		if sendErr != nil {
			l.metrics.Flushes.WithLabelValues("failed").Inc()
			l.failed.add(body)
			l.persistFailed()

			msg := sendErr.Error()
			l.enqueue(func() { l.logErrorMessageOnce(msg) }, true)
			return
		}

		l.metrics.Flushes.WithLabelValues("sent").Inc()
		// Копия могла попасть в очередь по persistPendingEvents или по дедлайну Stop
		if l.failed.remove(body) {
			l.persistFailed()
		}
	}()
}

// logErrorMessageOnce: каждое сообщение об ошибке уходит событием один раз за жизнь процесса.
func (l *EventLogger) logErrorMessageOnce(msg string) {
	if msg == "" {
		return
	}
	if _, seen := l.loggedErrors[msg]; seen {
		return
	}
	l.loggedErrors[msg] = struct{}{}

	user := l.user
	l.logInternal(domain.NewInternalEvent(&user, domain.EventLogEventFailed, map[string]string{"error": msg}), nil)
}

func (l *EventLogger) addNonExposedChecksEvent() {
	if len(l.nonExposed) == 0 {
		return
	}

	data, err := json.Marshal(l.nonExposed)
	l.nonExposed = make(map[string]int)
	if err != nil {
		l.reporter.LogException(boundary.TagEventSerialize, err)
		return
	}

	// Событие проверок встает перед уже накопленными
	ev := domain.NewInternalEvent(nil, domain.EventNonExposedChecks, map[string]string{"checks": string(data)})
	l.events = append([]domain.Event{ev}, l.events...)
}

// trackSend регистрирует тела, ушедшие в сеть; возвращает функцию снятия.
func (l *EventLogger) trackSend(bodies ...[]byte) func() {
	l.inflightMu.Lock()
	defer l.inflightMu.Unlock()

	l.inflightSeq++
	id := l.inflightSeq
	l.inflight[id] = bodies
	return func() {
		l.inflightMu.Lock()
		defer l.inflightMu.Unlock()
		delete(l.inflight, id)
	}
}

func (l *EventLogger) inflightBodies() [][]byte {
	l.inflightMu.Lock()
	defer l.inflightMu.Unlock()

	var out [][]byte
	for _, id := range slices.Sorted(maps.Keys(l.inflight)) {
		out = append(out, l.inflight[id]...)
	}
	return out
}

func (l *EventLogger) persistFailed() {
	if err := l.failed.save(context.Background()); err != nil {
		l.reporter.LogException(boundary.TagStorage, err)
	}
}

// DeleteLocalStorage удаляет сохраненные неотправленные батчи для SDK key.
func DeleteLocalStorage(ctx context.Context, kv repository.Store, sdkKey string) error {
	if err := kv.Remove(ctx, infra.FailedLogsKey(sdkKey)); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	return nil
}

func asyncCompletion(completion func()) func() {
	if completion == nil {
		return func() {}
	}
	return func() { go completion() }
}

// mergeUnique склеивает списки, сохраняя порядок и убирая побайтные дубликаты.
func mergeUnique(lists ...[][]byte) [][]byte {
	seen := make(map[string]struct{})
	var out [][]byte
	for _, list := range lists {
		for _, b := range list {
			if _, ok := seen[string(b)]; ok {
				continue
			}
			seen[string(b)] = struct{}{}
			out = append(out, b)
		}
	}
	return out
}
