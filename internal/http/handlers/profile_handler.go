// Profile HTTP handlers.
//
// This file exposes sign-in state and user profiles:
//   - POST /me and DELETE /me/session   (presence)
//   - GET /me, PATCH /me                (own profile)
//   - GET /users/{uid}, GET /users?q=   (lookup and search)

package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/http/middleware"
	"github.com/tbourn/go-chat-sync/internal/services"
	"github.com/tbourn/go-chat-sync/internal/utils"
)

// maxSearchResults caps ?limit= on user search.
const maxSearchResults = 50

// UpdateProfileRequest is the JSON payload for PATCH /me.
type UpdateProfileRequest struct {
	Username *string `json:"username" binding:"omitempty,max=64"`
	Bio      *string `json:"bio" binding:"omitempty,max=500"`
	PhotoURL *string `json:"photoURL" binding:"omitempty,max=2048"`
}

// SignIn godoc
// @ID          signIn
// @Summary     Sign in
// @Description SignIn admits the caller, creating the profile on first use, and marks
// @Description it online. With the access gate enforced, identities whose e-mail is not
// @Description approved get 403.
// @Tags        Profiles
// @Produce     json
//
// @Param       X-User-ID        header  string  false "Caller ID in header auth mode; otherwise Authorization: Bearer"
//
// @Success     200  {object}  domain.UserProfile
// @Failure     401  {object}  handlers.ErrorResponse  "Sign-in required"
// @Failure     403  {object}  handlers.ErrorResponse  "Not allowed"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /me [post]
func (h *Handlers) SignIn(c *gin.Context) {
	me, found := caller(c)
	if !found {
		return
	}
	prof, err := h.presence.SignIn(c.Request.Context(), me)
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	middleware.LoggerFrom(c).Info().Msg("signed in")
	ok(c, http.StatusOK, prof)
}

// SignOut godoc
// @ID          signOut
// @Summary     Sign out
// @Description SignOut marks the caller offline and drops their cached notification
// @Description feed. Open room sockets are not closed.
// @Tags        Profiles
// @Produce     json
//
// @Param       X-User-ID        header  string  false "Caller ID in header auth mode; otherwise Authorization: Bearer"
//
// @Success     204  "Signed out"
// @Failure     401  {object}  handlers.ErrorResponse  "Sign-in required"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /me/session [delete]
func (h *Handlers) SignOut(c *gin.Context) {
	me, found := caller(c)
	if !found {
		return
	}
	if err := h.presence.SignOut(c.Request.Context(), me.UID); err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	h.notes.Forget(me.UID)
	noContent(c)
}

// Me godoc
// @ID          me
// @Summary     Get own profile
// @Description Me returns the caller's profile.
// @Tags        Profiles
// @Produce     json
//
// @Param       X-User-ID        header  string  false "Caller ID in header auth mode; otherwise Authorization: Bearer"
//
// @Success     200  {object}  domain.UserProfile
// @Failure     401  {object}  handlers.ErrorResponse  "Sign-in required"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /me [get]
func (h *Handlers) Me(c *gin.Context) {
	me, found := caller(c)
	if !found {
		return
	}
	prof, err := h.friends.Profile(c.Request.Context(), me.UID)
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, prof)
}

// UpdateMe godoc
// @ID          updateMe
// @Summary     Update own profile
// @Description UpdateMe edits username, bio and photo URL of the caller. Absent fields
// @Description are left unchanged; updatedAt is stamped.
// @Tags        Profiles
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  false "Caller ID in header auth mode; otherwise Authorization: Bearer"
// @Param       body             body    handlers.UpdateProfileRequest  true  "Changes"
//
// @Success     200  {object}  domain.UserProfile
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Sign-in required"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /me [patch]
func (h *Handlers) UpdateMe(c *gin.Context) {
	me, found := caller(c)
	if !found {
		return
	}
	var req UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if req.Username != nil && strings.TrimSpace(*req.Username) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "username must not be empty")
		return
	}
	prof, err := h.friends.UpdateProfile(c.Request.Context(), me.UID, services.ProfileUpdate{
		Username: req.Username,
		Bio:      req.Bio,
		PhotoURL: req.PhotoURL,
	})
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, prof)
}

// GetUser godoc
// @ID          getUser
// @Summary     Get a user profile
// @Description GetUser returns the public profile of a user.
// @Tags        Profiles
// @Produce     json
//
// @Param       X-User-ID        header  string  false "Caller ID in header auth mode; otherwise Authorization: Bearer"
// @Param       uid              path    string  true  "User ID"
//
// @Success     200  {object}  domain.UserProfile
// @Failure     401  {object}  handlers.ErrorResponse  "Sign-in required"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /users/{uid} [get]
func (h *Handlers) GetUser(c *gin.Context) {
	if _, found := caller(c); !found {
		return
	}
	prof, err := h.friends.Profile(c.Request.Context(), c.Param("uid"))
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, prof)
}

// SearchUsers godoc
// @ID          searchUsers
// @Summary     Search users
// @Description SearchUsers ranks users against ?q= by username and e-mail, exact matches
// @Description first, and returns at most ?limit= of them.
// @Tags        Profiles
// @Produce     json
//
// @Param       X-User-ID        header  string  false "Caller ID in header auth mode; otherwise Authorization: Bearer"
// @Param       q                query   string  true  "Search term"
// @Param       limit            query   int     false "Max results (1-50)"
//
// @Success     200  {object}  map[string][]domain.UserProfile  "users"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Sign-in required"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /users [get]
func (h *Handlers) SearchUsers(c *gin.Context) {
	me, found := caller(c)
	if !found {
		return
	}
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "q is required")
		return
	}
	limit := utils.Limit(c.Query("limit"), 10, maxSearchResults)

	hits, err := h.friends.SearchUsers(c.Request.Context(), q)
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	users := make([]domain.UserProfile, 0, len(hits))
	for _, u := range hits {
		if u.UID != me.UID {
			users = append(users, u)
		}
	}
	if len(users) > limit {
		users = users[:limit]
	}
	ok(c, http.StatusOK, gin.H{"users": users})
}
