package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/server/storage"
)

// Register wires up all routes on the provided Echo instance.
func Register(e *echo.Echo, store Storage, auth Authenticator, deduper Deduper, hub *Hub, logger *log.Logger) {
	e.GET("/healthz", healthz)
	e.GET("/stream", stream(auth, hub))
	e.POST("/api/channel", channelSend(store, auth, hub))
	e.GET("/api/projects/:project/tasks", listTasks(store, auth))
	e.POST("/api/projects/:project/tasks", createTask(store, auth, deduper, hub))
	e.PATCH("/api/tasks/:id", updateTask(store, auth, deduper, hub))
	e.POST("/api/tasks/:id/move", moveTask(store, auth, deduper, hub, logger))
	e.DELETE("/api/tasks/:id", deleteTask(store, auth, hub))
	e.DELETE("/api/projects/:project/members", removeMembers(store, auth, hub))
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// stream is the live channel's inbound half: one SSE connection per
// client session, identified by the channel query parameter.
func stream(auth Authenticator, hub *Hub) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if token := c.QueryParam("token"); authHeader == "" && token != "" {
			authHeader = "Bearer " + token
		}
		userID, err := auth.UserIDFromAuthHeader(authHeader)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		channelID := c.QueryParam("channel")
		if channelID == "" {
			return c.String(http.StatusBadRequest, "missing channel id")
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		c.Response().WriteHeader(http.StatusOK)
		flusher.Flush()

		frames, unsubscribe := hub.Subscribe(channelID, userID)
		defer unsubscribe()

		ctx := c.Request().Context()
		for {
			select {
			case <-ctx.Done():
				return nil
			case frame := <-frames:
				if _, err := c.Response().Write(frame); err != nil {
					return nil
				}
				flusher.Flush()
			}
		}
	}
}

// channelSend accepts outbound channel events (joinRoom, leaveRoom) from
// a client, correlated with its stream by the X-Channel-ID header.
func channelSend(store Storage, auth Authenticator, hub *Hub) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		channelID := c.Request().Header.Get("X-Channel-ID")
		if channelID == "" {
			return envelopeErr(c, http.StatusBadRequest, domain.CodeValidation, "missing channel id")
		}

		var frame domain.EventFrame
		dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxRequestBody))
		if err := dec.Decode(&frame); err != nil {
			return envelopeErr(c, http.StatusBadRequest, domain.CodeValidation, "invalid body")
		}
		var room domain.RoomPayload
		if err := sonic.Unmarshal(frame.Data, &room); err != nil || room.RoomID == "" {
			return envelopeErr(c, http.StatusBadRequest, domain.CodeValidation, "missing room id")
		}

		switch frame.Event {
		case domain.EventJoinRoom:
			if !memberOf(c.Request().Context(), store, room.RoomID, userID) {
				return envelopeErr(c, http.StatusForbidden, domain.CodeValidation, "not a project member")
			}
			if !hub.Join(channelID, room.RoomID) {
				return envelopeErr(c, http.StatusConflict, domain.CodeConflict, "channel not connected")
			}
		case domain.EventLeaveRoom:
			hub.Leave(channelID, room.RoomID)
		default:
			return envelopeErr(c, http.StatusBadRequest, domain.CodeValidation, "unsupported event")
		}
		return c.NoContent(http.StatusAccepted)
	}
}

func listTasks(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		tasks, err := store.FetchTasks(c.Request().Context(), c.Param("project"))
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, domain.ListEnvelope{
				Error: &domain.ErrorBody{Code: domain.CodeInternal, Message: err.Error()},
			})
		}
		return c.JSON(http.StatusOK, domain.ListEnvelope{Tasks: tasks})
	}
}

func createTask(store Storage, auth Authenticator, deduper Deduper, hub *Hub) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		projectID := c.Param("project")
		var patch domain.TaskPatch
		if err := decodeBody(c, &patch); err != nil {
			return envelopeErr(c, http.StatusBadRequest, domain.CodeValidation, "invalid body")
		}

		ctx := c.Request().Context()
		added, err := recordKey(ctx, deduper, userID, patch.IdempotencyKey)
		if err != nil {
			return envelopeErr(c, http.StatusInternalServerError, domain.CodeInternal, err.Error())
		}
		if !added {
			return envelopeErr(c, http.StatusConflict, domain.CodeConflict, "duplicate request")
		}

		task, err := store.CreateTask(ctx, projectID, patch)
		if err != nil {
			rollbackKey(ctx, deduper, userID, patch.IdempotencyKey)
			return storageError(c, err)
		}
		hub.Broadcast(projectID, domain.EventEntityCreated, task)
		return c.JSON(http.StatusCreated, domain.Envelope{Data: &task})
	}
}

func updateTask(store Storage, auth Authenticator, deduper Deduper, hub *Hub) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		projectID := c.QueryParam("project")
		taskID := c.Param("id")
		var patch domain.TaskPatch
		if err := decodeBody(c, &patch); err != nil {
			return envelopeErr(c, http.StatusBadRequest, domain.CodeValidation, "invalid body")
		}

		ctx := c.Request().Context()
		added, err := recordKey(ctx, deduper, userID, patch.IdempotencyKey)
		if err != nil {
			return envelopeErr(c, http.StatusInternalServerError, domain.CodeInternal, err.Error())
		}
		if !added {
			// The first delivery already applied this patch; answer with
			// the current entity.
			return respondCurrent(c, store, projectID, taskID)
		}

		task, err := store.UpdateTask(ctx, projectID, taskID, patch)
		if err != nil {
			rollbackKey(ctx, deduper, userID, patch.IdempotencyKey)
			return storageError(c, err)
		}
		hub.Broadcast(projectID, domain.EventEntityUpdated, task)
		return c.JSON(http.StatusOK, domain.Envelope{Data: &task})
	}
}

func moveTask(store Storage, auth Authenticator, deduper Deduper, hub *Hub, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, ctx := newMoveRequestMetrics(ctx, logger)
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}
		projectID := c.QueryParam("project")
		taskID := c.Param("id")
		metrics.SetRoom(projectID)

		var move domain.MoveRequest
		if decodeErr := decodeBody(c, &move); decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = envelopeErr(c, http.StatusBadRequest, domain.CodeValidation, "invalid body")
			return err
		}

		added, dedupeErr := recordKey(ctx, deduper, userID, move.IdempotencyKey)
		if dedupeErr != nil {
			metrics.SetErrorStage("dedupe")
			err = envelopeErr(c, http.StatusInternalServerError, domain.CodeInternal, dedupeErr.Error())
			return err
		}
		if !added {
			err = respondCurrent(c, store, projectID, taskID)
			return err
		}

		storeStart := time.Now()
		task, moveErr := store.MoveTask(ctx, projectID, taskID, move.Status, move.Position)
		metrics.ObserveStore(time.Since(storeStart))
		if moveErr != nil {
			rollbackKey(ctx, deduper, userID, move.IdempotencyKey)
			metrics.SetErrorStage("store")
			err = storageError(c, moveErr)
			return err
		}

		hub.Broadcast(projectID, domain.EventEntityMoved, domain.EntityMovedPayload{
			ID:          task.ID,
			NewStatus:   task.Status,
			NewPosition: task.Position,
		})
		err = c.JSON(http.StatusOK, domain.Envelope{Data: &task})
		return err
	}
}

func deleteTask(store Storage, auth Authenticator, hub *Hub) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		projectID := c.QueryParam("project")
		taskID := c.Param("id")

		task, err := store.DeleteTask(c.Request().Context(), projectID, taskID)
		if err != nil {
			if errors.Is(err, storage.ErrTaskNotFound) {
				// Deleting an already-deleted task is idempotent.
				return c.NoContent(http.StatusNoContent)
			}
			return storageError(c, err)
		}
		hub.Broadcast(projectID, domain.EventEntityDeleted, domain.EntityDeletedPayload{
			ID:     task.ID,
			RoomID: projectID,
		})
		return c.JSON(http.StatusOK, domain.Envelope{Data: &task})
	}
}

type removeMembersRequest struct {
	UserIDs []string `json:"userIds"`
}

func removeMembers(store Storage, auth Authenticator, hub *Hub) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		projectID := c.Param("project")
		var req removeMembersRequest
		if err := decodeBody(c, &req); err != nil || len(req.UserIDs) == 0 {
			return envelopeErr(c, http.StatusBadRequest, domain.CodeValidation, "invalid body")
		}

		ctx := c.Request().Context()
		project, err := store.FetchProject(ctx, projectID)
		if err != nil {
			return storageError(c, err)
		}
		if project.OwnerID != userID {
			return envelopeErr(c, http.StatusForbidden, domain.CodeValidation, "only the owner may remove members")
		}
		if _, err := store.RemoveMembers(ctx, projectID, req.UserIDs); err != nil {
			return storageError(c, err)
		}
		hub.Broadcast(projectID, domain.EventMembershipChanged, domain.MembershipChangedPayload{
			RoomID:         projectID,
			RemovedUserIDs: req.UserIDs,
		})
		return c.NoContent(http.StatusAccepted)
	}
}

// memberOf allows access when the project is unknown to storage (the
// authority may not own project records) or when the user is its owner
// or a member.
func memberOf(ctx context.Context, store Storage, projectID, userID string) bool {
	project, err := store.FetchProject(ctx, projectID)
	if err != nil {
		return errors.Is(err, storage.ErrProjectNotFound)
	}
	if project.OwnerID == userID {
		return true
	}
	for _, m := range project.Members {
		if m == userID {
			return true
		}
	}
	return false
}

func respondCurrent(c echo.Context, store Storage, projectID, taskID string) error {
	tasks, err := store.FetchTasks(c.Request().Context(), projectID)
	if err != nil {
		return envelopeErr(c, http.StatusInternalServerError, domain.CodeInternal, err.Error())
	}
	for i := range tasks {
		if tasks[i].ID == taskID {
			return c.JSON(http.StatusOK, domain.Envelope{Data: &tasks[i]})
		}
	}
	return envelopeErr(c, http.StatusNotFound, domain.CodeNotFound, "task not found")
}

func storageError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, storage.ErrTaskNotFound):
		return envelopeErr(c, http.StatusNotFound, domain.CodeNotFound, err.Error())
	case errors.Is(err, storage.ErrProjectNotFound):
		return envelopeErr(c, http.StatusNotFound, domain.CodeNotFound, err.Error())
	case errors.Is(err, storage.ErrInvalidStatus):
		return envelopeErr(c, http.StatusBadRequest, domain.CodeValidation, err.Error())
	default:
		c.Logger().Error(err)
		return envelopeErr(c, http.StatusInternalServerError, domain.CodeInternal, err.Error())
	}
}

func envelopeErr(c echo.Context, status int, code, message string) error {
	return c.JSON(status, domain.Envelope{Error: &domain.ErrorBody{Code: code, Message: message}})
}

func decodeBody(c echo.Context, out any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxRequestBody))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func recordKey(ctx context.Context, deduper Deduper, userID, key string) (bool, error) {
	if deduper == nil || key == "" {
		return true, nil
	}
	return deduper.Add(ctx, userID, key)
}

func rollbackKey(ctx context.Context, deduper Deduper, userID, key string) {
	if deduper == nil || key == "" {
		return
	}
	_ = deduper.Remove(context.WithoutCancel(ctx), userID, key)
}
