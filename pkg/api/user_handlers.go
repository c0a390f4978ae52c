package api

import (
	"errors"
	"net/http"

	"github.com/taskforge/taskforge/pkg/apperr"
	"github.com/taskforge/taskforge/pkg/httputil"
	"github.com/taskforge/taskforge/pkg/identity"
	"github.com/taskforge/taskforge/pkg/middleware"
)

// maxAvatarBytes caps avatar uploads at 5 MiB.
const maxAvatarBytes = 5 << 20

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	user := middleware.IdentityFrom(r.Context())
	httputil.WriteSuccess(w, user, "")
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	user := middleware.IdentityFrom(r.Context())

	var input identity.UpdateProfileInput
	if !httputil.ParseJSONOrError(w, r, &input) {
		return
	}

	updated, err := s.identities.UpdateProfile(r.Context(), user.ID, input)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	s.invalidateIdentity(r, user.ID)

	httputil.WriteSuccess(w, updated.Sanitized(), "profile updated")
}

// handleChangePassword verifies the old password, stores the new hash, and
// revokes the active session so the caller has to log in again.
func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	user := middleware.IdentityFrom(r.Context())

	var input changePasswordRequest
	if !httputil.ParseJSONOrError(w, r, &input) {
		return
	}

	if err := s.identities.ChangePassword(r.Context(), user.ID, input.OldPassword, input.NewPassword); err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	if err := s.tokens.Revoke(r.Context(), user.ID); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	s.invalidateIdentity(r, user.ID)
	s.clearSessionCookies(w)

	httputil.WriteSuccess(w, nil, "password updated, please log in again")
}

// handleUploadAvatar accepts a multipart upload under the "avatar" field,
// stores it, and points the profile at the new image. A previously stored
// image is removed best-effort once the profile update lands.
func (s *Server) handleUploadAvatar(w http.ResponseWriter, r *http.Request) {
	user := middleware.IdentityFrom(r.Context())

	if s.avatars == nil {
		httputil.WriteAppError(w, apperr.Internal(errors.New("avatar storage is not configured")))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAvatarBytes)
	if err := r.ParseMultipartForm(maxAvatarBytes); err != nil {
		httputil.WriteAppError(w, apperr.Validation("invalid multipart upload",
			apperr.FieldError{Field: "avatar", Message: "could not parse upload"}))
		return
	}

	file, header, err := r.FormFile("avatar")
	if err != nil {
		httputil.WriteAppError(w, apperr.Validation("avatar file is required",
			apperr.FieldError{Field: "avatar", Message: "avatar file is required"}))
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	ref, err := s.avatars.Save(r.Context(), user.Code, file, contentType)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	updated, err := s.identities.UpdateProfile(r.Context(), user.ID, identity.UpdateProfileInput{
		Avatar: &ref,
	})
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	s.invalidateIdentity(r, user.ID)

	httputil.WriteSuccess(w, updated.Sanitized(), "avatar updated")
}
