package api

import (
	"context"
	"net/http"

	"bitbucket.org/skillbridge/backend/config"
	"bitbucket.org/skillbridge/backend/middlewares"
	"bitbucket.org/skillbridge/backend/session"
)

// GetSession godoc
// @Summary Session of the caller
// @Description With wait=true the call blocks until the profile finished loading or its timeouts ran out.
// @Tags session
// @Produce json
// @Param wait query bool false "wait for the profile"
// @Success 200 {object} session.View
// @Security ApiKeyAuth
// @Router /api/session [get]
func GetSession(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	user := middlewares.UserFromRequest(r)

	s, ok := ctx.Sessions.Get(user.ID)
	if !ok {
		w.WriteJSON(http.StatusOK, session.View{State: session.StateAnonymous}, nil, "")
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		waitCtx, cancel := context.WithTimeout(r.Context(), ctx.Sessions.LoadTimeout+ctx.Sessions.CreateTimeout)
		defer cancel()
		if err := s.Wait(waitCtx); err != nil {
			w.Logger.WithError(err).Info("profile still loading")
		}
	}

	w.WriteJSON(http.StatusOK, s.View(), nil, "")
}

// DeleteSession godoc
// @Summary Sign out
// @Description Cancels any profile loading still running for the caller.
// @Tags session
// @Success 204
// @Security ApiKeyAuth
// @Router /api/session [delete]
func DeleteSession(ctx *config.AppContext, w *middlewares.ResponseWriter, r *http.Request) {
	user := middlewares.UserFromRequest(r)
	ctx.Sessions.SignOut(user.ID)
	w.WriteJSON(http.StatusNoContent, nil, nil, "")
}
