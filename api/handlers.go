package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/CanGoymen/todoco/domain"
	"github.com/CanGoymen/todoco/realtime"
)

const requestBodyMaxSize = 1 << 20

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, ws Workspaces, users Users, auth Authenticator, hub *realtime.Hub, bridge *realtime.Bridge, logger *log.Logger) {
	e.GET("/health", health())

	g := e.Group("/api", clientAuth(auth))
	g.POST("/auth/register", registerUser(users))
	g.POST("/auth/login", loginUser(users))
	g.POST("/auth/join", joinWorkspace(users))
	g.PATCH("/profile", updateProfile(users, hub))

	g.POST("/workspaces", createWorkspace(ws))
	g.GET("/workspaces/check/:id", checkWorkspace(ws))
	g.GET("/workspaces/:id/members", workspaceMembers(users))

	g.GET("/:workspace/tasks", getTasks(ws, logger))
	g.GET("/:workspace/markdown", getMarkdown(ws))
	g.POST("/:workspace/tasks", postTask(ws, hub, bridge))
	g.PUT("/:workspace/tasks", putTasks(ws, hub, bridge))
	g.POST("/:workspace/tasks/:id/toggle", toggleTask(ws, hub, bridge))
	g.POST("/:workspace/tasks/:id/progress", taskProgress(ws, hub, bridge))

	registerAdmin(e, ws, users, auth, hub, bridge)
	registerWebsocket(e, ws, auth, hub, bridge, logger)
}

type errorResponse struct {
	Error string `json:"error"`
}

func errJSON(c echo.Context, status int, code string) error {
	return c.JSON(status, errorResponse{Error: code})
}

// clientAuth enforces the shared client token on every API route.
func clientAuth(auth Authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if err := auth.AuthorizeClient(header, c.QueryParam("token")); err != nil {
				return errJSON(c, http.StatusUnauthorized, "unauthorized")
			}
			return next(c)
		}
	}
}

func decodeBody(c echo.Context, out any) error {
	lr := io.LimitReader(c.Request().Body, requestBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	return dec.Decode(out)
}

func domainStatus(err error) (int, string, bool) {
	switch {
	case errors.Is(err, domain.ErrInvalidWorkspaceID):
		return http.StatusBadRequest, "invalid_workspace_id", true
	case errors.Is(err, domain.ErrWorkspaceExists):
		return http.StatusConflict, "workspace_exists", true
	case errors.Is(err, domain.ErrWorkspaceNotFound):
		return http.StatusNotFound, "workspace_not_found", true
	case errors.Is(err, domain.ErrSnapshotNotFound):
		return http.StatusNotFound, "version_not_found", true
	case errors.Is(err, domain.ErrUserExists):
		return http.StatusConflict, "user_exists", true
	case errors.Is(err, domain.ErrUserNotFound):
		return http.StatusNotFound, "user_not_found", true
	case errors.Is(err, domain.ErrInvalidSecret):
		return http.StatusUnauthorized, "invalid_credentials", true
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "validation_failed", true
	}
	return 0, "", false
}

func fail(c echo.Context, err error) error {
	if status, code, ok := domainStatus(err); ok {
		return errJSON(c, status, code)
	}
	c.Logger().Error(err)
	return errJSON(c, http.StatusInternalServerError, "internal_error")
}

func health() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
}

type tasksResponse struct {
	WorkspaceID string        `json:"workspace_id"`
	Tasks       []domain.Task `json:"tasks"`
}

func getTasks(ws Workspaces, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics := newTaskRequestMetrics(logger)
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		workspaceID := domain.NormalizeWorkspaceID(c.Param("workspace"))
		fetchStart := time.Now()
		tasks, fetchErr := ws.GetTasks(ctx, workspaceID)
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			err = fail(c, fetchErr)
			return err
		}
		metrics.SetTasksReturned(len(tasks))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, tasksResponse{WorkspaceID: workspaceID, Tasks: tasks})
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func getMarkdown(ws Workspaces) echo.HandlerFunc {
	return func(c echo.Context) error {
		tasks, err := ws.GetTasks(c.Request().Context(), c.Param("workspace"))
		if err != nil {
			return fail(c, err)
		}
		return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", []byte(domain.SerializeTasksToMarkdown(tasks)))
	}
}

type taskUpdateRequest struct {
	Task      domain.TaskInput `json:"task"`
	UpdatedBy *string          `json:"updated_by"`
}

func postTask(ws Workspaces, hub *realtime.Hub, bridge *realtime.Bridge) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		var req taskUpdateRequest
		if err := decodeBody(c, &req); err != nil {
			return errJSON(c, http.StatusBadRequest, "invalid_body")
		}

		workspaceID := domain.NormalizeWorkspaceID(c.Param("workspace"))
		task, err := ws.UpsertTask(ctx, workspaceID, req.Task, "api:task_update")
		if err != nil {
			return fail(c, err)
		}

		hub.Broadcast(workspaceID, realtime.Message{
			Type: realtime.TypeTaskChanged,
			Payload: realtime.TaskChangedPayload{
				WorkspaceID: workspaceID,
				Task:        *task,
				UpdatedBy:   req.UpdatedBy,
			},
		})
		bridge.Publish(ctx, workspaceID)
		return c.JSON(http.StatusOK, task)
	}
}

type bulkUpdateRequest struct {
	Tasks []domain.TaskInput `json:"tasks"`
}

func putTasks(ws Workspaces, hub *realtime.Hub, bridge *realtime.Bridge) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		var req bulkUpdateRequest
		if err := decodeBody(c, &req); err != nil {
			return errJSON(c, http.StatusBadRequest, "invalid_body")
		}

		workspaceID := domain.NormalizeWorkspaceID(c.Param("workspace"))
		tasks, err := ws.ReplaceTasks(ctx, workspaceID, req.Tasks, "api:bulk_replace")
		if err != nil {
			return fail(c, err)
		}

		hub.Broadcast(workspaceID, realtime.Message{
			Type: realtime.TypeTaskListFull,
			Payload: realtime.TaskListPayload{
				WorkspaceID: workspaceID,
				Tasks:       tasks,
			},
		})
		bridge.Publish(ctx, workspaceID)
		return c.JSON(http.StatusOK, tasksResponse{WorkspaceID: workspaceID, Tasks: tasks})
	}
}

type toggleRequest struct {
	Done bool `json:"done"`
}

func toggleTask(ws Workspaces, hub *realtime.Hub, bridge *realtime.Bridge) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		var req toggleRequest
		if err := decodeBody(c, &req); err != nil {
			return errJSON(c, http.StatusBadRequest, "invalid_body")
		}

		workspaceID := domain.NormalizeWorkspaceID(c.Param("workspace"))
		task, err := ws.ToggleTask(ctx, workspaceID, c.Param("id"), req.Done)
		if err != nil {
			return fail(c, err)
		}
		if task == nil {
			return errJSON(c, http.StatusNotFound, "task_not_found")
		}

		hub.Broadcast(workspaceID, realtime.Message{
			Type: realtime.TypeTaskChanged,
			Payload: realtime.TaskChangedPayload{
				WorkspaceID: workspaceID,
				Task:        *task,
			},
		})
		bridge.Publish(ctx, workspaceID)
		return c.JSON(http.StatusOK, task)
	}
}

type progressRequest struct {
	Progress *float64 `json:"progress"`
}

func taskProgress(ws Workspaces, hub *realtime.Hub, bridge *realtime.Bridge) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		var req progressRequest
		if err := decodeBody(c, &req); err != nil {
			return errJSON(c, http.StatusBadRequest, "invalid_body")
		}

		workspaceID := domain.NormalizeWorkspaceID(c.Param("workspace"))
		task, err := ws.UpdateTaskProgress(ctx, workspaceID, c.Param("id"), req.Progress)
		if err != nil {
			return fail(c, err)
		}
		if task == nil {
			return errJSON(c, http.StatusNotFound, "task_not_found")
		}

		hub.Broadcast(workspaceID, realtime.Message{
			Type: realtime.TypeTaskChanged,
			Payload: realtime.TaskChangedPayload{
				WorkspaceID: workspaceID,
				Task:        *task,
			},
		})
		bridge.Publish(ctx, workspaceID)
		return c.JSON(http.StatusOK, task)
	}
}

type createWorkspaceRequest struct {
	ID string `json:"id"`
}

func createWorkspace(ws Workspaces) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req createWorkspaceRequest
		if err := decodeBody(c, &req); err != nil {
			return errJSON(c, http.StatusBadRequest, "invalid_body")
		}
		state, err := ws.CreateWorkspace(c.Request().Context(), req.ID)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusCreated, state)
	}
}

type checkWorkspaceResponse struct {
	Exists bool   `json:"exists"`
	Secret string `json:"secret,omitempty"`
}

func checkWorkspace(ws Workspaces) echo.HandlerFunc {
	return func(c echo.Context) error {
		exists, secret, err := ws.CheckWorkspace(c.Request().Context(), c.Param("id"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, checkWorkspaceResponse{Exists: exists, Secret: secret})
	}
}

func workspaceMembers(users Users) echo.HandlerFunc {
	return func(c echo.Context) error {
		members, err := users.Members(c.Request().Context(), c.Param("id"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, members)
	}
}

func registerUser(users Users) echo.HandlerFunc {
	return func(c echo.Context) error {
		var input domain.UserInput
		if err := decodeBody(c, &input); err != nil {
			return errJSON(c, http.StatusBadRequest, "invalid_body")
		}
		user, err := users.Register(c.Request().Context(), input)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusCreated, user)
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func loginUser(users Users) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req loginRequest
		if err := decodeBody(c, &req); err != nil {
			return errJSON(c, http.StatusBadRequest, "invalid_body")
		}
		user, err := users.Authenticate(c.Request().Context(), req.Email, req.Password)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, user)
	}
}

type joinRequest struct {
	Email       string `json:"email"`
	WorkspaceID string `json:"workspace_id"`
	Secret      string `json:"secret"`
}

func joinWorkspace(users Users) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req joinRequest
		if err := decodeBody(c, &req); err != nil {
			return errJSON(c, http.StatusBadRequest, "invalid_body")
		}
		user, err := users.Join(c.Request().Context(), req.Email, req.WorkspaceID, req.Secret)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, user)
	}
}

type profileRequest struct {
	Username string           `json:"username"`
	Changes  domain.UserInput `json:"changes"`
}

func updateProfile(users Users, hub *realtime.Hub) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req profileRequest
		if err := decodeBody(c, &req); err != nil {
			return errJSON(c, http.StatusBadRequest, "invalid_body")
		}
		user, err := users.Update(c.Request().Context(), req.Username, req.Changes)
		if err != nil {
			return fail(c, err)
		}

		// Profile changes affect assignee rendering everywhere, so every
		// connected client hears about them. The old username lets clients
		// remap entries they hold under the previous name.
		hub.BroadcastAll(realtime.Message{
			Type: realtime.TypeUserUpdated,
			Payload: realtime.UserUpdatedPayload{
				OldUsername:  req.Username,
				Username:     user.Username,
				FullName:     user.FullName,
				AvatarBase64: user.AvatarBase64,
			},
		})
		return c.JSON(http.StatusOK, user)
	}
}
