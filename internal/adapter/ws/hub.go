package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clipforge/orchestrator/internal/adapter/observability"
	"github.com/clipforge/orchestrator/internal/domain"
)

// SnapshotFunc fetches the latest committed state of a job.
type SnapshotFunc func(ctx domain.Context, id string) (domain.Job, error)

// SubmitFunc submits a new conversion (start_conversion frames).
type SubmitFunc func(ctx domain.Context, url, format, quality string) (domain.Job, error)

// Options configures the hub.
type Options struct {
	QueueSize     int
	Heartbeat     time.Duration
	TerminalGrace time.Duration
	ShutdownDrain time.Duration
}

// Hub owns the jobID to connection fan-out table. All mutation happens on the
// Run goroutine via the command channel; Hub methods are safe from any
// goroutine.
type Hub struct {
	queueSize     int
	heartbeat     time.Duration
	terminalGrace time.Duration
	shutdownDrain time.Duration

	origin   *OriginChecker
	upgrader websocket.Upgrader
	snapshot SnapshotFunc
	submit   SubmitFunc

	cmds chan command
	done chan struct{}

	// Owned by the Run goroutine. pending holds, per (conn, job), updates
	// that arrived while the subscription's snapshot was still resolving.
	subs    map[string]map[*conn]struct{}
	conns   map[*conn]map[string]struct{}
	pending map[*conn]map[string][]pendingItem

	baseCtx domain.Context
}

// NewHub constructs the hub. Run must be started before ServeHTTP is reachable.
func NewHub(origin *OriginChecker, snapshot SnapshotFunc, submit SubmitFunc, opts Options) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	if opts.TerminalGrace <= 0 {
		opts.TerminalGrace = 12 * time.Second
	}
	if opts.ShutdownDrain <= 0 {
		opts.ShutdownDrain = 5 * time.Second
	}
	return &Hub{
		queueSize:     opts.QueueSize,
		heartbeat:     opts.Heartbeat,
		terminalGrace: opts.TerminalGrace,
		shutdownDrain: opts.ShutdownDrain,
		origin:        origin,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin is validated after the upgrade so the client receives a
			// distinguishing close code instead of a bare 403.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		snapshot: snapshot,
		submit:   submit,
		cmds:     make(chan command, 256),
		done:     make(chan struct{}),
		subs:     make(map[string]map[*conn]struct{}),
		conns:    make(map[*conn]map[string]struct{}),
		pending:  make(map[*conn]map[string][]pendingItem),
		baseCtx:  context.Background(),
	}
}

type command interface{ apply(h *Hub) }

type registerCmd struct{ c *conn }
type unsubscribeAllCmd struct{ c *conn }
type subscribeCmd struct {
	c     *conn
	jobID string
}
type deliverCmd struct {
	c   *conn
	msg []byte
}
type startedCmd struct {
	c   *conn
	job domain.Job
}
type broadcastCmd struct {
	job domain.Job
	typ string
}
type recoveryCmd struct {
	job     domain.Job
	attempt int
}
type snapshotCmd struct {
	c     *conn
	jobID string
	job   domain.Job
	err   error
}
type terminalExpireCmd struct{ jobID string }

// pendingItem is one update held back while a subscription's snapshot
// resolves. raw is set for messages exempt from the staleness check.
type pendingItem struct {
	job domain.Job
	typ string
	raw []byte
}
type reapCmd struct{ active func(jobID string) bool }
type shutdownCmd struct{}
type closeAllCmd struct{}

// post delivers a command to the Run loop; it is a no-op after shutdown.
func (h *Hub) post(cmd command) {
	select {
	case h.cmds <- cmd:
	case <-h.done:
	}
}

// Run processes commands until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			closeAllCmd{}.apply(h)
			close(h.done)
			return
		case cmd := <-h.cmds:
			cmd.apply(h)
		}
	}
}

func (c registerCmd) apply(h *Hub) {
	h.conns[c.c] = make(map[string]struct{})
	observability.WSConnections.Inc()
}

func (c unsubscribeAllCmd) apply(h *Hub) {
	jobIDs, ok := h.conns[c.c]
	if !ok {
		return
	}
	for id := range jobIDs {
		delete(h.subs[id], c.c)
		if len(h.subs[id]) == 0 {
			delete(h.subs, id)
		}
	}
	delete(h.conns, c.c)
	delete(h.pending, c.c)
	observability.WSConnections.Dec()
}

func (c subscribeCmd) apply(h *Hub) {
	if _, ok := h.conns[c.c]; !ok {
		return
	}
	h.attach(c.c, c.jobID)
	if h.pending[c.c] == nil {
		h.pending[c.c] = make(map[string][]pendingItem)
	}
	if _, resolving := h.pending[c.c][c.jobID]; resolving {
		return
	}
	// Attach first so no update is missed, then resolve the snapshot off the
	// hub loop; a slow store read must not stall broadcasts. Updates arriving
	// meanwhile are buffered and flushed after the snapshot.
	h.pending[c.c][c.jobID] = []pendingItem{}
	go func() {
		job, err := h.snapshot(h.baseCtx, c.jobID)
		h.post(snapshotCmd{c: c.c, jobID: c.jobID, job: job, err: err})
	}()
}

func (c snapshotCmd) apply(h *Hub) {
	buf := h.pending[c.c][c.jobID]
	delete(h.pending[c.c], c.jobID)
	if len(h.pending[c.c]) == 0 {
		delete(h.pending, c.c)
	}
	if _, ok := h.conns[c.c]; !ok {
		return
	}
	if c.err != nil {
		c.c.enqueue(errorMessage("unknown job " + c.jobID))
		return
	}
	c.c.enqueue(jobMessage(TypeJobStatus, c.job))
	terminal := c.job.Status.Terminal()
	for _, it := range buf {
		if it.raw != nil {
			c.c.enqueue(it.raw)
			continue
		}
		// The snapshot read started after the attach, so it already covers
		// any update committed before it; deliver only strictly newer state.
		if !it.job.UpdatedAt.After(c.job.UpdatedAt) {
			continue
		}
		c.c.enqueue(jobMessage(it.typ, it.job))
		if it.job.Status.Terminal() {
			terminal = true
		}
	}
	if terminal {
		h.scheduleTerminalExpire(c.jobID)
	}
}

func (c deliverCmd) apply(h *Hub) {
	if _, ok := h.conns[c.c]; !ok {
		return
	}
	c.c.enqueue(c.msg)
}

func (c startedCmd) apply(h *Hub) {
	if _, ok := h.conns[c.c]; !ok {
		return
	}
	h.attach(c.c, c.job.ID)
	c.c.enqueue(startedMessage(c.job))
}

func (c broadcastCmd) apply(h *Hub) {
	msg := jobMessage(c.typ, c.job)
	for cn := range h.subs[c.job.ID] {
		if buf, resolving := h.pending[cn][c.job.ID]; resolving {
			h.pending[cn][c.job.ID] = append(buf, pendingItem{job: c.job, typ: c.typ})
			continue
		}
		cn.enqueue(msg)
	}
	if c.job.Status.Terminal() {
		h.scheduleTerminalExpire(c.job.ID)
	}
}

func (c recoveryCmd) apply(h *Hub) {
	msg := recoveryMessage(c.job, c.attempt)
	for cn := range h.subs[c.job.ID] {
		if buf, resolving := h.pending[cn][c.job.ID]; resolving {
			h.pending[cn][c.job.ID] = append(buf, pendingItem{raw: msg})
			continue
		}
		cn.enqueue(msg)
	}
}

// terminalExpireCmd drops the subscription after the terminal grace window
// and closes connections left with no live subscriptions.
func (c terminalExpireCmd) apply(h *Hub) {
	for cn := range h.subs[c.jobID] {
		delete(h.conns[cn], c.jobID)
		delete(h.pending[cn], c.jobID)
		if len(h.conns[cn]) == 0 {
			cn.closeWithCode(websocket.CloseNormalClosure, "conversion finished")
		}
	}
	delete(h.subs, c.jobID)
}

func (c reapCmd) apply(h *Hub) {
	for id := range h.subs {
		if c.active(id) {
			continue
		}
		for cn := range h.subs[id] {
			delete(h.conns[cn], id)
			delete(h.pending[cn], id)
			cn.enqueue(errorMessage("job " + id + " no longer exists"))
		}
		delete(h.subs, id)
	}
}

func (shutdownCmd) apply(h *Hub) {
	msg := shutdownMessage()
	for cn := range h.conns {
		cn.enqueue(msg)
	}
}

func (closeAllCmd) apply(h *Hub) {
	for cn := range h.conns {
		cn.closeWithCode(websocket.CloseGoingAway, "server shutting down")
	}
	h.conns = make(map[*conn]map[string]struct{})
	h.subs = make(map[string]map[*conn]struct{})
	h.pending = make(map[*conn]map[string][]pendingItem)
}

func (h *Hub) attach(c *conn, jobID string) {
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*conn]struct{})
	}
	h.subs[jobID][c] = struct{}{}
	h.conns[c][jobID] = struct{}{}
}

func (h *Hub) scheduleTerminalExpire(jobID string) {
	if len(h.subs[jobID]) == 0 {
		return
	}
	time.AfterFunc(h.terminalGrace, func() {
		h.post(terminalExpireCmd{jobID: jobID})
	})
}

// JobUpdated implements domain.Notifier. Called after every committed store
// write.
func (h *Hub) JobUpdated(j domain.Job) {
	h.post(broadcastCmd{job: j, typ: messageTypeFor(j)})
}

// RecoveryAttempt implements domain.Notifier.
func (h *Hub) RecoveryAttempt(j domain.Job, attempt int) {
	h.post(recoveryCmd{job: j, attempt: attempt})
}

// ReapOrphans drops subscriptions whose job the store no longer knows.
func (h *Hub) ReapOrphans(active func(jobID string) bool) {
	h.post(reapCmd{active: active})
}

// Shutdown pushes server_shutdown to every connection, waits for the drain
// window, then closes everything. Call before cancelling the Run context.
func (h *Hub) Shutdown(ctx context.Context) {
	h.post(shutdownCmd{})
	select {
	case <-time.After(h.shutdownDrain):
	case <-ctx.Done():
	}
	h.post(closeAllCmd{})
}

// ServeHTTP upgrades the connection and starts the pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", slog.Any("error", err))
		return
	}
	c := newConn(h, sock)
	if !h.origin.Allow(r) {
		c.closeWithCode(CloseOriginForbidden, "origin not allowed")
		return
	}
	h.post(registerCmd{c: c})
	go c.writePump()
	go c.readPump()
}

// classifySubmit converts a submission error into the wire error shape.
func classifySubmit(err error) errorDetail {
	ce := domain.Classify(err)
	return errorDetail{
		Type:       string(ce.Kind),
		Message:    ce.Message,
		Retryable:  ce.Retryable,
		Suggestion: ce.Suggestion,
	}
}
