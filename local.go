package identity

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// maxPictureRequest bounds a multipart picture upload including form overhead.
const maxPictureRequest = MaxProfilePictureSize + 1<<20

// LocalAuth serves the username/password channel and the credential
// mutations of a signed-in user. Handlers accept form posts or JSON bodies
// and answer JSON.
type LocalAuth struct {
	Auth     *Auth
	Resolver *Resolver
	Mutator  *Mutator
	Logger   *slog.Logger
}

// ServeHTTP handles login requests.
func (a *LocalAuth) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := loggerOr(a.Logger)
	data, err := parseRequest(r)
	if err != nil {
		writeError(w, log, err)
		return
	}
	username, password := data["username"], data["password"]
	if username == "" || password == "" {
		writeError(w, log, NewValidationError(ErrCodeMissingField, "Username and password are required", "username"))
		return
	}

	user, err := a.Resolver.AuthenticateLocal(r.Context(), username, password)
	if err != nil {
		writeError(w, log, err)
		return
	}
	a.respondLoggedIn(w, r, http.StatusOK, user)
}

// HandleSignup registers a local user and signs them in.
func (a *LocalAuth) HandleSignup(w http.ResponseWriter, r *http.Request) {
	log := loggerOr(a.Logger)
	data, err := parseRequest(r)
	if err != nil {
		writeError(w, log, err)
		return
	}
	user, err := a.Resolver.Register(r.Context(), Registration{
		Username:        data["username"],
		Email:           data["email"],
		DisplayName:     data["display_name"],
		Password:        data["password"],
		PasswordConfirm: data["password_confirm"],
	})
	if err != nil {
		writeError(w, log, err)
		return
	}
	a.respondLoggedIn(w, r, http.StatusCreated, user)
}

func (a *LocalAuth) respondLoggedIn(w http.ResponseWriter, r *http.Request, status int, user *User) {
	token, err := a.Auth.LoginUser(w, r, user)
	if err != nil {
		writeError(w, loggerOr(a.Logger), err)
		return
	}
	body := map[string]any{"user": user.Profile()}
	if token != "" {
		body["token"] = token
	}
	writeJSON(w, status, body)
}

// HandleMe returns the signed-in user's profile.
func (a *LocalAuth) HandleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := a.principal(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, user.Profile())
}

// HandleChangeUsername expects current_password and new_username.
func (a *LocalAuth) HandleChangeUsername(w http.ResponseWriter, r *http.Request) {
	user, ok := a.principal(w, r)
	if !ok {
		return
	}
	log := loggerOr(a.Logger)
	data, err := parseRequest(r)
	if err != nil {
		writeError(w, log, err)
		return
	}
	if err := a.Mutator.ChangeUsername(r.Context(), user, data["current_password"], data["new_username"]); err != nil {
		writeError(w, log, err)
		return
	}
	writeJSON(w, http.StatusOK, user.Profile())
}

// HandleChangePassword expects current_password, new_password and
// confirm_password.
func (a *LocalAuth) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	user, ok := a.principal(w, r)
	if !ok {
		return
	}
	log := loggerOr(a.Logger)
	data, err := parseRequest(r)
	if err != nil {
		writeError(w, log, err)
		return
	}
	if err := a.Mutator.ChangePassword(r.Context(), user, data["current_password"], data["new_password"], data["confirm_password"]); err != nil {
		writeError(w, log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Password updated"})
}

// HandleProfilePicture accepts a multipart upload in the "picture" field.
func (a *LocalAuth) HandleProfilePicture(w http.ResponseWriter, r *http.Request) {
	user, ok := a.principal(w, r)
	if !ok {
		return
	}
	log := loggerOr(a.Logger)
	r.Body = http.MaxBytesReader(w, r.Body, maxPictureRequest)
	file, header, err := r.FormFile("picture")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, log, NewValidationError(ErrCodeUnsupportedFile, "Profile picture is too large", "picture"))
			return
		}
		writeError(w, log, NewValidationError(ErrCodeMissingField, "A picture file is required", "picture"))
		return
	}
	defer file.Close()

	err = a.Mutator.UploadProfilePicture(r.Context(), user, PictureUpload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	})
	if err != nil {
		writeError(w, log, err)
		return
	}
	writeJSON(w, http.StatusOK, user.Profile())
}

func (a *LocalAuth) principal(w http.ResponseWriter, r *http.Request) (*User, bool) {
	user := PrincipalFromContext(r.Context())
	if user == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Login required", "code": ErrCodeUserNotFound})
		return nil, false
	}
	return user, true
}

// parseRequest reads string fields from a form post or a JSON object.
func parseRequest(r *http.Request) (map[string]string, error) {
	out := map[string]string{}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var data map[string]any
		if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(&data); err != nil || data == nil {
			return nil, NewValidationError(ErrCodeMissingField, "Invalid request body", "")
		}
		for k, v := range data {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
		return out, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, NewValidationError(ErrCodeMissingField, "Error parsing form", "")
	}
	for k := range r.PostForm {
		out[k] = r.PostForm.Get(k)
	}
	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("writing response", "err", err)
	}
}

// writeError answers with the error's status and stable code. Internal
// causes are logged, never sent.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	status := HTTPStatus(err)
	var e *Error
	if !errors.As(err, &e) {
		e = NewPersistenceError("request", err)
	}
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "kind", e.Kind, "code", e.Code, "err", e.Err)
	}
	writeJSON(w, status, map[string]any{
		"error": e.Message,
		"code":  e.Code,
		"field": e.Field,
	})
}
