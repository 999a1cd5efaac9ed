package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

var allowedProfileKeys = map[string]struct{}{
	"birthdate": {},
	"sex":       {},
	"height_cm": {},
	"weight_kg": {},
	"notes":     {},
}

type userRecord struct {
	Sub             string
	Email           *string
	Name            *string
	Picture         *string
	Profile         map[string]any
	ProfileComplete bool
	CreatedAt       time.Time
	UpdatedAt       *time.Time
	LastLogin       *time.Time
}

func (a *App) loadUser(ctx context.Context, q dbQuerier, sub string) (*userRecord, error) {
	row := q.QueryRow(ctx, `
		SELECT sub, email, name, picture, profile, profile_complete, created_at, updated_at, last_login
		FROM app_user WHERE sub = $1`, sub)
	var u userRecord
	if err := row.Scan(&u.Sub, &u.Email, &u.Name, &u.Picture, &u.Profile, &u.ProfileComplete,
		&u.CreatedAt, &u.UpdatedAt, &u.LastLogin); err != nil {
		return nil, err
	}
	if u.Profile == nil {
		u.Profile = map[string]any{}
	}
	return &u, nil
}

func userPayload(u *userRecord) gin.H {
	payload := gin.H{
		"sub":             u.Sub,
		"email":           u.Email,
		"name":            u.Name,
		"picture":         u.Picture,
		"profile":         u.Profile,
		"profileComplete": u.ProfileComplete,
		"created_at":      u.CreatedAt.UTC().Format(time.RFC3339),
	}
	if u.UpdatedAt != nil {
		payload["updated_at"] = u.UpdatedAt.UTC().Format(time.RFC3339)
	}
	if u.LastLogin != nil {
		payload["last_login"] = u.LastLogin.UTC().Format(time.RFC3339)
	}
	return payload
}

func (a *App) getMe(c *gin.Context) {
	claims, _ := claimsFromContext(c)
	user, err := a.loadUser(c.Request.Context(), a.db, claims.Sub)
	if err != nil {
		if isNoRows(err) {
			writeError(c, http.StatusNotFound, "Perfil no encontrado")
			return
		}
		writeError(c, http.StatusInternalServerError, "No se pudo leer el perfil")
		return
	}
	writeOK(c, userPayload(user))
}

func (a *App) syncMe(c *gin.Context) {
	claims, _ := claimsFromContext(c)

	var body struct {
		Email   string `json:"email"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	_ = c.ShouldBindJSON(&body) // body is optional

	email := firstNonEmpty(claims.Email, body.Email)
	name := firstNonEmpty(claims.Name, body.Name)
	picture := firstNonEmpty(claims.Picture, body.Picture)

	ctx := c.Request.Context()
	now := a.now().UTC()
	_, err := a.db.Exec(ctx, `
		INSERT INTO app_user (sub, email, name, picture, profile, profile_complete, created_at, last_login)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), '{}'::jsonb, FALSE, $5, $5)
		ON CONFLICT (sub) DO UPDATE SET
			email = NULLIF($2, ''),
			name = NULLIF($3, ''),
			picture = NULLIF($4, ''),
			last_login = $5`,
		claims.Sub, email, name, picture, now)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "No se pudo sincronizar el perfil")
		return
	}

	user, err := a.loadUser(ctx, a.db, claims.Sub)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "No se pudo leer el perfil")
		return
	}
	writeOK(c, gin.H{"user": userPayload(user)})
}

func (a *App) updateProfile(c *gin.Context) {
	claims, _ := claimsFromContext(c)

	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil || body == nil {
		body = map[string]any{}
	}

	profileUpdates := map[string]any{}
	for k, v := range body {
		if _, ok := allowedProfileKeys[k]; ok {
			profileUpdates[k] = v
		}
	}

	var newName, newEmail *string
	if v, ok := body["name"].(string); ok {
		newName = &v
	}
	if v, ok := body["email"].(string); ok {
		newEmail = &v
	}

	if len(profileUpdates) == 0 && newName == nil && newEmail == nil {
		writeError(c, http.StatusBadRequest, "Nada que actualizar")
		return
	}

	if height, ok := numericValue(profileUpdates["height_cm"]); ok && (height < 40 || height > 300) {
		writeError(c, http.StatusBadRequest, "height_cm fuera de rango")
		return
	}
	if weight, ok := numericValue(profileUpdates["weight_kg"]); ok && (weight < 1 || weight > 600) {
		writeError(c, http.StatusBadRequest, "weight_kg fuera de rango")
		return
	}

	ctx := c.Request.Context()
	now := a.now().UTC()
	_, err := a.db.Exec(ctx, `
		INSERT INTO app_user (sub, email, name, profile, profile_complete, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, TRUE, $5, $5)
		ON CONFLICT (sub) DO UPDATE SET
			email = COALESCE($2, app_user.email),
			name = COALESCE($3, app_user.name),
			profile = app_user.profile || $4::jsonb,
			profile_complete = TRUE,
			updated_at = $5`,
		claims.Sub, newEmail, newName, mustMarshalJSON(profileUpdates), now)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "No se pudo actualizar el perfil")
		return
	}

	user, err := a.loadUser(ctx, a.db, claims.Sub)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "No se pudo leer el perfil")
		return
	}
	writeOK(c, gin.H{"user": userPayload(user)})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
