package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"mindspace-board/board"
	"mindspace-board/domain"
)

const defaultInlineTimeout = 60 * time.Second

var (
	errBadQuery       = errors.New("invalid query")
	errOutboxDisabled = errors.New("change outbox disabled")
)

// Options wires a Server. Outbox, Deduper and Notifier are optional. Zero
// durations fall back to defaults.
type Options struct {
	Store          Store
	Auth           Authenticator
	Outbox         *Outbox
	Deduper        Deduper
	Notifier       Notifier
	Logger         *log.Logger
	InlineTimeout  time.Duration
	SessionIdleTTL time.Duration
	EngineOptions  []board.Option
}

// Server serves the board of every session over HTTP.
type Server struct {
	store         Store
	auth          Authenticator
	sessions      *Sessions
	outbox        *Outbox
	deduper       Deduper
	notifier      Notifier
	logger        *log.Logger
	inlineTimeout time.Duration
}

// NewServer creates a Server. Store and Auth are required.
func NewServer(opts Options) *Server {
	if opts.Store == nil {
		panic("api.NewServer: storage is required")
	}
	if opts.Auth == nil {
		panic("api.NewServer: authenticator is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.InlineTimeout <= 0 {
		opts.InlineTimeout = defaultInlineTimeout
	}
	sessions := NewSessions(opts.Store, opts.Logger, opts.EngineOptions...)
	if opts.SessionIdleTTL > 0 {
		sessions.IdleTTL = opts.SessionIdleTTL
	}
	return &Server{
		store:         opts.Store,
		auth:          opts.Auth,
		sessions:      sessions,
		outbox:        opts.Outbox,
		deduper:       opts.Deduper,
		notifier:      opts.Notifier,
		logger:        opts.Logger,
		inlineTimeout: opts.InlineTimeout,
	}
}

// Register wires up all API routes on the provided Echo instance.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.healthz)

	g := e.Group("/api", metricsMiddleware(s.logger), authMiddleware(s.auth))
	once := idempotencyMiddleware(s.deduper, s.logger)

	g.GET("/board", s.getBoard)
	g.GET("/columns", s.getColumns)
	g.POST("/refresh", s.refresh)
	g.GET("/settings", s.getSettings)
	g.GET("/outbox", s.getOutboxStats)

	g.GET("/tasks", s.getTasks)
	g.POST("/tasks", s.createTask, once)
	g.POST("/tasks/reorder", s.reorderTasks, once)
	g.GET("/tasks/:id", s.getTask)
	g.GET("/tasks/:id/subtasks", s.getSubtasks)
	g.PATCH("/tasks/:id", s.updateTask, once)
	g.DELETE("/tasks/:id", s.deleteTask, once)
	g.POST("/tasks/:id/move", s.moveTask, once)

	g.GET("/groups", s.getGroups)
	g.POST("/groups", s.createGroup, once)
	g.POST("/groups/reorder", s.reorderGroups, once)
	g.GET("/groups/:id", s.getGroup)
	g.PATCH("/groups/:id", s.updateGroup, once)
	g.DELETE("/groups/:id", s.deleteGroup, once)

	g.GET("/lists", s.getLists)
	g.POST("/lists", s.createList, once)
	g.PUT("/lists/active", s.setActiveList, once)
	g.PATCH("/lists/:id", s.updateList, once)
	g.DELETE("/lists/:id", s.deleteList, once)
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "sessions": s.sessions.Len()})
}

// withEngine runs fn with exclusive access to the caller's engine and hands
// whatever fn queued to the outbox before the lock is released.
func (s *Server) withEngine(c echo.Context, fn func(*board.Engine) error) error {
	sess, ok := sessionFrom(c)
	if !ok {
		return errMissingAuthorization
	}
	m := metricsFrom(c)
	ctx := c.Request().Context()
	waitStart := time.Now()
	return s.sessions.Do(ctx, sess, func(eng *board.Engine) error {
		m.ObserveFetch(time.Since(waitStart))
		start := time.Now()
		err := fn(eng)
		m.ObserveEngine(time.Since(start))
		m.SetChanges(s.flush(ctx, eng))
		return err
	})
}

// flush drains the engine queue into the outbox. When the outbox is missing
// or saturated the changes are persisted inline; if that fails too they go
// back to the engine queue and leave with the next flush.
func (s *Server) flush(ctx context.Context, eng *board.Engine) int {
	changes := eng.DrainChanges(0)
	if len(changes) == 0 {
		return 0
	}
	sess := eng.Session()
	if s.outbox != nil {
		err := s.outbox.Enqueue(sess, changes)
		if err == nil {
			return len(changes)
		}
		s.logger.WithError(err).Warn("change outbox unavailable; persisting inline")
	}

	inlineCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.inlineTimeout)
	defer cancel()
	if err := s.store.EnqueueChanges(inlineCtx, sess, changes); err != nil {
		eng.RequeueChanges(changes)
		s.logger.WithError(err).WithFields(log.Fields{
			"workspace": sess.WorkspaceID,
			"changes":   len(changes),
		}).Error("inline persist failed; changes requeued")
		return len(changes)
	}
	if s.notifier != nil {
		if err := s.notifier.Notify(inlineCtx, sess, changes); err != nil {
			s.logger.WithError(err).Warn("board update notification failed")
		}
	}
	return len(changes)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errInvalidBody), errors.Is(err, errBadQuery):
		return http.StatusBadRequest
	case errors.Is(err, errMissingAuthorization):
		return http.StatusUnauthorized
	case errors.Is(err, board.ErrTaskNotFound), errors.Is(err, board.ErrGroupNotFound),
		errors.Is(err, board.ErrListNotFound), errors.Is(err, board.ErrParentNotFound):
		return http.StatusNotFound
	case errors.Is(err, board.ErrNotInSourceGroup), errors.Is(err, board.ErrDuplicateTask),
		errors.Is(err, board.ErrLastList):
		return http.StatusConflict
	case errors.Is(err, board.ErrIndexOutOfRange), errors.Is(err, board.ErrEmptyTitle):
		return http.StatusUnprocessableEntity
	case errors.Is(err, board.ErrFetchFailed), errors.Is(err, board.ErrFetcherUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, errOutboxDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c echo.Context, stage string, err error) error {
	status := statusFor(err)
	metricsFrom(c).SetErrorStage(stage)
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("route", c.Path()).Error("request failed")
	}
	return c.JSON(status, errorResponse{Error: err.Error()})
}

func (s *Server) respond(c echo.Context, status int, v any) error {
	start := time.Now()
	err := c.JSON(status, v)
	m := metricsFrom(c)
	m.ObserveEncode(time.Since(start))
	if err != nil {
		m.SetErrorStage("encode_response")
	}
	return err
}

func (s *Server) getBoard(c echo.Context) error {
	opts, err := viewOptions(c)
	if err != nil {
		return s.fail(c, "query", err)
	}
	sess, _ := sessionFrom(c)
	settings, err := s.store.FetchSettings(c.Request().Context(), sess.UserID)
	if err != nil {
		s.logger.WithError(err).Warn("settings unavailable; using defaults")
		settings = domain.DefaultSettings()
	}
	if !settings.ShowDoneTasks {
		opts.Filters = append(opts.Filters, board.Filter{Field: "isCompleted", Value: "false"})
	}

	var resp boardResponse
	err = s.withEngine(c, func(eng *board.Engine) error {
		resp = boardResponse{
			Groups:       eng.FilteredGroups(opts),
			Lists:        eng.Lists(),
			ActiveListID: eng.ActiveListID(),
			Settings:     settings,
		}
		return nil
	})
	if err != nil {
		return s.fail(c, "load", err)
	}
	returned := 0
	for i := range resp.Groups {
		capGroup(&resp.Groups[i], settings.TasksPerGroup)
		returned += len(resp.Groups[i].Tasks)
	}
	metricsFrom(c).SetTasksReturned(returned)
	return s.respond(c, http.StatusOK, resp)
}

// capGroup keeps the first limit tasks of g; zero means no cap.
func capGroup(g *board.OrderedGroup, limit int) {
	if limit <= 0 || len(g.Tasks) <= limit {
		return
	}
	g.Tasks = g.Tasks[:limit]
	g.TaskIDs = g.TaskIDs[:limit]
}

// viewOptions parses search, filter=field:value (repeatable), sort and dir.
func viewOptions(c echo.Context) (board.ViewOptions, error) {
	opts := board.ViewOptions{
		SearchTerm: strings.TrimSpace(c.QueryParam("search")),
		SortField:  strings.TrimSpace(c.QueryParam("sort")),
		Direction:  board.ParseDirection(c.QueryParam("dir")),
	}
	for _, raw := range c.QueryParams()["filter"] {
		field, value, ok := strings.Cut(raw, ":")
		if !ok || strings.TrimSpace(field) == "" {
			return board.ViewOptions{}, errBadQuery
		}
		opts.Filters = append(opts.Filters, board.Filter{Field: strings.TrimSpace(field), Value: strings.TrimSpace(value)})
	}
	return opts, nil
}

func (s *Server) getColumns(c echo.Context) error {
	field := strings.TrimSpace(c.QueryParam("field"))
	if field == "" {
		return s.fail(c, "query", errBadQuery)
	}
	var columns []board.Column
	if err := s.withEngine(c, func(eng *board.Engine) error {
		columns = eng.ColumnsByField(field)
		return nil
	}); err != nil {
		return s.fail(c, "load", err)
	}
	return s.respond(c, http.StatusOK, columnsResponse{Field: field, Columns: columns})
}

func (s *Server) refresh(c echo.Context) error {
	listID := strings.TrimSpace(c.QueryParam("listId"))
	ctx := c.Request().Context()
	if err := s.withEngine(c, func(eng *board.Engine) error {
		start := time.Now()
		err := eng.Refresh(ctx, s.store, listID)
		metricsFrom(c).ObserveFetch(time.Since(start))
		return err
	}); err != nil {
		return s.fail(c, "refresh", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) getSettings(c echo.Context) error {
	sess, _ := sessionFrom(c)
	settings, err := s.store.FetchSettings(c.Request().Context(), sess.UserID)
	if err != nil {
		return s.fail(c, "storage", err)
	}
	return s.respond(c, http.StatusOK, settings)
}

func (s *Server) getOutboxStats(c echo.Context) error {
	if s.outbox == nil {
		return s.fail(c, "outbox", errOutboxDisabled)
	}
	return s.respond(c, http.StatusOK, s.outbox.Stats())
}

func (s *Server) getTasks(c echo.Context) error {
	topLevel, _ := strconv.ParseBool(c.QueryParam("topLevel"))
	var tasks []domain.Task
	if err := s.withEngine(c, func(eng *board.Engine) error {
		if topLevel {
			tasks = eng.TopLevelTasks()
		} else {
			tasks = eng.AllTasks()
		}
		return nil
	}); err != nil {
		return s.fail(c, "load", err)
	}
	metricsFrom(c).SetTasksReturned(len(tasks))
	return s.respond(c, http.StatusOK, tasksResponse{Tasks: tasks})
}

func (s *Server) getTask(c echo.Context) error {
	var task domain.Task
	if err := s.withEngine(c, func(eng *board.Engine) error {
		var ok bool
		if task, ok = eng.Task(c.Param("id")); !ok {
			return board.ErrTaskNotFound
		}
		return nil
	}); err != nil {
		return s.fail(c, "engine", err)
	}
	return s.respond(c, http.StatusOK, task)
}

func (s *Server) getSubtasks(c echo.Context) error {
	var tasks []domain.Task
	if err := s.withEngine(c, func(eng *board.Engine) error {
		var ok bool
		if tasks, ok = eng.Subtasks(c.Param("id")); !ok {
			return board.ErrTaskNotFound
		}
		return nil
	}); err != nil {
		return s.fail(c, "engine", err)
	}
	return s.respond(c, http.StatusOK, tasksResponse{Tasks: tasks})
}

func (s *Server) createTask(c echo.Context) error {
	var in board.TaskInput
	if err := decodeBody(c, &in); err != nil {
		return s.fail(c, "decode", err)
	}
	var task domain.Task
	if err := s.withEngine(c, func(eng *board.Engine) (err error) {
		task, err = eng.CreateTask(in)
		return err
	}); err != nil {
		return s.fail(c, "engine", err)
	}
	return s.respond(c, http.StatusCreated, task)
}

func (s *Server) updateTask(c echo.Context) error {
	var patch domain.TaskPatch
	if err := decodeBody(c, &patch); err != nil {
		return s.fail(c, "decode", err)
	}
	var task domain.Task
	if err := s.withEngine(c, func(eng *board.Engine) error {
		var ok bool
		if task, ok = eng.UpdateTask(c.Param("id"), patch); !ok {
			return board.ErrTaskNotFound
		}
		return nil
	}); err != nil {
		return s.fail(c, "engine", err)
	}
	return s.respond(c, http.StatusOK, task)
}

func (s *Server) deleteTask(c echo.Context) error {
	if err := s.withEngine(c, func(eng *board.Engine) error {
		if !eng.DeleteTask(c.Param("id")) {
			return board.ErrTaskNotFound
		}
		return nil
	}); err != nil {
		return s.fail(c, "engine", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) moveTask(c echo.Context) error {
	var req moveTaskRequest
	if err := decodeBody(c, &req); err != nil {
		return s.fail(c, "decode", err)
	}
	id := c.Param("id")
	var task domain.Task
	if err := s.withEngine(c, func(eng *board.Engine) error {
		if err := eng.MoveTask(id, req.SourceGroupID, req.DestGroupID, req.Index); err != nil {
			return err
		}
		task, _ = eng.Task(id)
		return nil
	}); err != nil {
		return s.fail(c, "engine", err)
	}
	return s.respond(c, http.StatusOK, task)
}

func (s *Server) reorderTasks(c echo.Context) error {
	var req reorderTasksRequest
	if err := decodeBody(c, &req); err != nil {
		return s.fail(c, "decode", err)
	}
	var tasks []domain.Task
	if err := s.withEngine(c, func(eng *board.Engine) error {
		if err := eng.ReorderTasks(req.TaskIDs, req.FromIndex, req.ToIndex); err != nil {
			return err
		}
		tasks = eng.TopLevelTasks()
		return nil
	}); err != nil {
		return s.fail(c, "engine", err)
	}
	return s.respond(c, http.StatusOK, tasksResponse{Tasks: tasks})
}

func (s *Server) getGroups(c echo.Context) error {
	listID := strings.TrimSpace(c.QueryParam("listId"))
	var groups []domain.Group
	if err := s.withEngine(c, func(eng *board.Engine) error {
		groups = eng.Groups(listID)
		return nil
	}); err != nil {
		return s.fail(c, "load", err)
	}
	return s.respond(c, http.StatusOK, groupsResponse{Groups: groups})
}

func (s *Server) getGroup(c echo.Context) error {
	var group domain.Group
	if err := s.withEngine(c, func(eng *board.Engine) error {
		var ok bool
		if group, ok = eng.Group(c.Param("id")); !ok {
			return board.ErrGroupNotFound
		}
		return nil
	}); err != nil {
		return s.fail(c, "engine", err)
	}
	return s.respond(c, http.StatusOK, group)
}

func (s *Server) createGroup(c echo.Context) error {
	var req createGroupRequest
	if err := decodeBody(c, &req); err != nil {
		return s.fail(c, "decode", err)
	}
	var group domain.Group
	if err := s.withEngine(c, func(eng *board.Engine) (err error) {
		group, err = eng.CreateGroup(req.ListID, req.Title)
		return err
	}); err != nil {
		return s.fail(c, "engine", err)
	}
	return s.respond(c, http.StatusCreated, group)
}

func (s *Server) updateGroup(c echo.Context) error {
	var req titleRequest
	if err := decodeBody(c, &req); err != nil {
		return s.fail(c, "decode", err)
	}
	if req.Title == "" {
		return s.fail(c, "validate", board.ErrEmptyTitle)
	}
	var group domain.Group
	if err := s.withEngine(c, func(eng *board.Engine) error {
		var ok bool
		if group, ok = eng.UpdateGroup(c.Param("id"), req.Title); !ok {
			return board.ErrGroupNotFound
		}
		return nil
	}); err != nil {
		return s.fail(c, "engine", err)
	}
	return s.respond(c, http.StatusOK, group)
}

func (s *Server) deleteGroup(c echo.Context) error {
	if err := s.withEngine(c, func(eng *board.Engine) error {
		if !eng.DeleteGroup(c.Param("id")) {
			return board.ErrGroupNotFound
		}
		return nil
	}); err != nil {
		return s.fail(c, "engine", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) reorderGroups(c echo.Context) error {
	var req reorderGroupsRequest
	if err := decodeBody(c, &req); err != nil {
		return s.fail(c, "decode", err)
	}
	var changed []domain.Group
	if err := s.withEngine(c, func(eng *board.Engine) error {
		if len(req.Order) > 0 {
			changed = eng.ReorderGroups(req.Order)
		} else {
			changed = eng.ReorderGroupIDs(req.IDs)
		}
		return nil
	}); err != nil {
		return s.fail(c, "engine", err)
	}
	if changed == nil {
		changed = []domain.Group{}
	}
	return s.respond(c, http.StatusOK, groupsResponse{Groups: changed})
}

func (s *Server) getLists(c echo.Context) error {
	var resp listsResponse
	if err := s.withEngine(c, func(eng *board.Engine) error {
		resp = listsResponse{Lists: eng.Lists(), ActiveListID: eng.ActiveListID()}
		return nil
	}); err != nil {
		return s.fail(c, "load", err)
	}
	return s.respond(c, http.StatusOK, resp)
}

func (s *Server) createList(c echo.Context) error {
	var req titleRequest
	if err := decodeBody(c, &req); err != nil {
		return s.fail(c, "decode", err)
	}
	var list domain.TodoList
	if err := s.withEngine(c, func(eng *board.Engine) (err error) {
		list, err = eng.CreateList(req.Title)
		return err
	}); err != nil {
		return s.fail(c, "engine", err)
	}
	return s.respond(c, http.StatusCreated, list)
}

func (s *Server) updateList(c echo.Context) error {
	var req titleRequest
	if err := decodeBody(c, &req); err != nil {
		return s.fail(c, "decode", err)
	}
	if req.Title == "" {
		return s.fail(c, "validate", board.ErrEmptyTitle)
	}
	var list domain.TodoList
	if err := s.withEngine(c, func(eng *board.Engine) error {
		var ok bool
		if list, ok = eng.UpdateList(c.Param("id"), req.Title); !ok {
			return board.ErrListNotFound
		}
		return nil
	}); err != nil {
		return s.fail(c, "engine", err)
	}
	return s.respond(c, http.StatusOK, list)
}

func (s *Server) deleteList(c echo.Context) error {
	id := c.Param("id")
	if err := s.withEngine(c, func(eng *board.Engine) error {
		if _, ok := eng.List(id); !ok {
			return board.ErrListNotFound
		}
		if !eng.DeleteList(id) {
			return board.ErrLastList
		}
		return nil
	}); err != nil {
		return s.fail(c, "engine", err)
	}
	return c.NoContent(http.StatusNoContent)
}

// setActiveList selects a list, or all lists for an empty id, and refreshes
// its tasks. A failed refresh keeps the selection and the previous tasks.
func (s *Server) setActiveList(c echo.Context) error {
	var req activeListRequest
	if err := decodeBody(c, &req); err != nil {
		return s.fail(c, "decode", err)
	}
	ctx := c.Request().Context()
	var resp listsResponse
	if err := s.withEngine(c, func(eng *board.Engine) error {
		if !eng.SetActiveList(req.ListID) {
			return board.ErrListNotFound
		}
		start := time.Now()
		if err := eng.Refresh(ctx, s.store, req.ListID); err != nil {
			s.logger.WithError(err).WithField("list", req.ListID).Warn("refresh after list switch failed")
		}
		metricsFrom(c).ObserveFetch(time.Since(start))
		resp = listsResponse{Lists: eng.Lists(), ActiveListID: eng.ActiveListID()}
		return nil
	}); err != nil {
		return s.fail(c, "engine", err)
	}
	return s.respond(c, http.StatusOK, resp)
}
