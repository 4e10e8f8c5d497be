package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/CanGoymen/todoco/domain"
	"github.com/CanGoymen/todoco/realtime"
)

// registerAdmin wires up the admin console API. Everything except login
// requires a valid admin token.
func registerAdmin(e *echo.Echo, ws Workspaces, users Users, auth Authenticator, hub *realtime.Hub, bridge *realtime.Bridge) {
	e.POST("/admin-api/login", adminLogin(users, auth))

	g := e.Group("/admin-api", adminAuth(auth))
	g.GET("/users", adminListUsers(users))
	g.POST("/users", adminCreateUser(users))
	g.PATCH("/users/:username", adminUpdateUser(users, hub))
	g.DELETE("/users/:username", adminDeleteUser(users))

	g.GET("/workspaces", adminListWorkspaces(ws))
	g.DELETE("/workspaces/:id", adminDeleteWorkspace(ws))
	g.GET("/workspaces/:id/stats", adminWorkspaceStats(ws))
	g.GET("/workspaces/:id/versions", adminListVersions(ws))
	g.POST("/workspaces/:id/versions/:version/restore", adminRestoreVersion(ws, hub, bridge))
	g.DELETE("/workspaces/:id/versions/:version", adminDeleteVersion(ws))
	g.DELETE("/workspaces/:id/versions", adminDeleteVersions(ws))
}

func adminAuth(auth Authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			username, err := auth.UsernameFromAdminToken(header)
			if err != nil {
				return errJSON(c, http.StatusUnauthorized, "unauthorized")
			}
			c.Set("admin_username", username)
			return next(c)
		}
	}
}

type adminLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type adminLoginResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

func adminLogin(users Users, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req adminLoginRequest
		if err := decodeBody(c, &req); err != nil {
			return errJSON(c, http.StatusBadRequest, "invalid_body")
		}
		user, err := users.AuthenticateAdmin(c.Request().Context(), req.Username, req.Password)
		if err != nil {
			return fail(c, err)
		}
		token, err := auth.CreateAdminToken(user.Username)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, adminLoginResponse{Token: token, User: *user})
	}
}

func adminListUsers(users Users) echo.HandlerFunc {
	return func(c echo.Context) error {
		list, err := users.List(c.Request().Context())
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, list)
	}
}

func adminCreateUser(users Users) echo.HandlerFunc {
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

func adminUpdateUser(users Users, hub *realtime.Hub) echo.HandlerFunc {
	return func(c echo.Context) error {
		var input domain.UserInput
		if err := decodeBody(c, &input); err != nil {
			return errJSON(c, http.StatusBadRequest, "invalid_body")
		}
		user, err := users.Update(c.Request().Context(), c.Param("username"), input)
		if err != nil {
			return fail(c, err)
		}
		hub.BroadcastAll(realtime.Message{
			Type: realtime.TypeUserUpdated,
			Payload: realtime.UserUpdatedPayload{
				OldUsername:  c.Param("username"),
				Username:     user.Username,
				FullName:     user.FullName,
				AvatarBase64: user.AvatarBase64,
			},
		})
		return c.JSON(http.StatusOK, user)
	}
}

func adminDeleteUser(users Users) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := users.Delete(c.Request().Context(), c.Param("username")); err != nil {
			return fail(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func adminListWorkspaces(ws Workspaces) echo.HandlerFunc {
	return func(c echo.Context) error {
		summaries, err := ws.ListWorkspaces(c.Request().Context())
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, summaries)
	}
}

func adminDeleteWorkspace(ws Workspaces) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := ws.DeleteWorkspace(c.Request().Context(), c.Param("id")); err != nil {
			return fail(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func adminWorkspaceStats(ws Workspaces) echo.HandlerFunc {
	return func(c echo.Context) error {
		stats, err := ws.Stats(c.Request().Context(), c.Param("id"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, stats)
	}
}

func adminListVersions(ws Workspaces) echo.HandlerFunc {
	return func(c echo.Context) error {
		versions, err := ws.ListVersions(c.Request().Context(), c.Param("id"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, versions)
	}
}

func parseVersion(c echo.Context) (int64, error) {
	return strconv.ParseInt(c.Param("version"), 10, 64)
}

func adminRestoreVersion(ws Workspaces, hub *realtime.Hub, bridge *realtime.Bridge) echo.HandlerFunc {
	return func(c echo.Context) error {
		version, err := parseVersion(c)
		if err != nil {
			return errJSON(c, http.StatusBadRequest, "invalid_version")
		}

		ctx := c.Request().Context()
		workspaceID := domain.NormalizeWorkspaceID(c.Param("id"))
		tasks, err := ws.RestoreVersion(ctx, workspaceID, version)
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

func adminDeleteVersion(ws Workspaces) echo.HandlerFunc {
	return func(c echo.Context) error {
		version, err := parseVersion(c)
		if err != nil {
			return errJSON(c, http.StatusBadRequest, "invalid_version")
		}
		if err := ws.DeleteVersion(c.Request().Context(), c.Param("id"), version); err != nil {
			return fail(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func adminDeleteVersions(ws Workspaces) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := ws.DeleteVersions(c.Request().Context(), c.Param("id")); err != nil {
			return fail(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}
