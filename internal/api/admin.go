package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"unsgateway/internal/apierr"
	"unsgateway/internal/sibling"
)

// adminListUsers lists every known user account (spec §4.H `/admin/users`
// GET: "admin only").
func (h *handlers) adminListUsers(c *gin.Context) {
	users, err := h.deps.Users.List(c.Request.Context())
	if err != nil {
		respondErr(c, apierr.Wrap(apierr.KindInternal, "failed to list users", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// adminDeleteUser removes a user account.
func (h *handlers) adminDeleteUser(c *gin.Context) {
	if err := h.deps.Users.Delete(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, sibling.ErrUserNotFound) {
			respondErr(c, apierr.NotFound("user not found"))
			return
		}
		respondErr(c, apierr.Wrap(apierr.KindInternal, "failed to delete user", err))
		return
	}
	c.Status(http.StatusNoContent)
}
