package main

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"labtrack/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func setupRoutes(r *gin.Engine) {
	r.POST("/register", registerHandler)
	r.POST("/login", loginHandler)
	r.POST("/refresh", refreshHandler)
	r.POST("/revoke_refresh", revokeRefreshHandler)

	// queue worker callback; protected by its own signature check, not JWT
	r.POST("/internal/extract", queueCallbackHandler)

	authGroup := r.Group("")
	authGroup.Use(jwtAuthMiddleware())
	authGroup.GET("/me", meHandler)
	authGroup.POST("/profiles", createProfileHandler)
	authGroup.GET("/profiles", listProfilesHandler)
	authGroup.GET("/reports", listReportsHandler)
	authGroup.GET("/dashboard", dashboardHandler)
	authGroup.GET("/aliases", listAliasesHandler)
	authGroup.POST("/aliases", createAliasHandler)
	authGroup.DELETE("/aliases/:id", deleteAliasHandler)
	authGroup.POST("/uploads", uploadFileHandler)
	authGroup.GET("/uploads", listUploadsHandler)
	authGroup.GET("/uploads/:id", getUploadHandler)
	authGroup.DELETE("/uploads/:id", deleteUploadHandler)
	authGroup.POST("/uploads/:id/extract", extractUploadHandler)
	authGroup.POST("/uploads/:id/confirm", confirmUploadHandler)
}

func jwtAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || len(authHeader) < 8 || authHeader[:7] != "Bearer " {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid Authorization header"})
			c.Abort()
			return
		}
		tokenString := authHeader[7:]
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrInvalidKeyType
			}
			return jwtSecret, nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid claims"})
			c.Abort()
			return
		}
		username, _ := claims["username"].(string)
		role, _ := claims["role"].(string)
		c.Set("username", username)
		if role != "" {
			c.Set("role", role)
		}
		c.Next()
	}
}

func meHandler(c *gin.Context) {
	usernameVal, _ := c.Get("username")
	if usernameVal == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "context missing username"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": usernameVal.(string)})
}

// getUserFromContext fetches the currently authenticated user using the username set by jwtAuthMiddleware
func getUserFromContext(c *gin.Context) (*models.User, bool) {
	unameVal, _ := c.Get("username")
	if unameVal == nil {
		return nil, false
	}
	var user models.User
	if err := db.Where("username = ?", unameVal.(string)).First(&user).Error; err != nil {
		return nil, false
	}
	return &user, true
}

// profileForUser loads a profile and checks it belongs to the user. Callers
// must reject the request before any mutation when this fails.
func profileForUser(userID, profileID uint) (*models.Profile, bool) {
	var p models.Profile
	if err := db.Where("id = ? AND user_id = ? AND active = true", profileID, userID).First(&p).Error; err != nil {
		return nil, false
	}
	return &p, true
}

func registerHandler(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := RegisterUser(req.Username, req.Password); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "user registered successfully"})
}

func loginHandler(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := Authenticate(req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	roleName := ""
	if user.RoleID != nil {
		var r models.Role
		if err := db.First(&r, *user.RoleID).Error; err == nil {
			roleName = r.Name
		}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": user.Username,
		"role":     roleName,
		"exp":      time.Now().Add(time.Hour * 24).Unix(),
	})
	tokenString, err := token.SignedString(jwtSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}
	refreshToken, err := createAndStoreRefreshToken(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "login successful", "token": tokenString, "refresh_token": refreshToken})
}

// createAndStoreRefreshToken generates a random refresh token, stores its hash with expiry and returns the raw token string
func createAndStoreRefreshToken(userID uint) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)
	h := sha256.Sum256([]byte(token))
	rt := models.RefreshToken{UserID: userID, TokenHash: hex.EncodeToString(h[:]), ExpiresAt: time.Now().Add(30 * 24 * time.Hour)}
	if err := db.Create(&rt).Error; err != nil {
		return "", err
	}
	return token, nil
}

func findRefreshTokenByRaw(token string) (*models.RefreshToken, error) {
	h := sha256.Sum256([]byte(token))
	var rt models.RefreshToken
	if err := db.Where("token_hash = ?", hex.EncodeToString(h[:])).First(&rt).Error; err != nil {
		return nil, err
	}
	return &rt, nil
}

// refreshHandler exchanges a refresh token for a new access token and rotates the refresh token
func refreshHandler(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rt, err := findRefreshTokenByRaw(req.RefreshToken)
	if err != nil || rt.Revoked || time.Now().After(rt.ExpiresAt) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired refresh token"})
		return
	}
	var user models.User
	if err := db.First(&user, rt.UserID).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	roleName := ""
	if user.RoleID != nil {
		var r models.Role
		if err := db.First(&r, *user.RoleID).Error; err == nil {
			roleName = r.Name
		}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": user.Username,
		"role":     roleName,
		"exp":      time.Now().Add(15 * time.Minute).Unix(),
	})
	tokenString, err := token.SignedString(jwtSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}
	db.Model(&models.RefreshToken{}).Where("id = ?", rt.ID).Update("revoked", true)
	newRT, err := createAndStoreRefreshToken(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to rotate refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tokenString, "refresh_token": newRT})
}

// revokeRefreshHandler revokes a given refresh token (useful on logout)
func revokeRefreshHandler(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rt, err := findRefreshTokenByRaw(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "refresh token not found"})
		return
	}
	rt.Revoked = true
	if err := db.Save(rt).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "refresh token revoked"})
}

func createProfileHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	var req struct {
		DisplayName string `json:"display_name" binding:"required"`
		DateOfBirth string `json:"date_of_birth"`
		Notes       string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.DateOfBirth != "" {
		if _, err := time.Parse("2006-01-02", req.DateOfBirth); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date_of_birth must be YYYY-MM-DD"})
			return
		}
	}
	profile := models.Profile{UserID: user.ID, DisplayName: req.DisplayName, DateOfBirth: req.DateOfBirth, Notes: req.Notes}
	if err := db.Create(&profile).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create profile"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": profile.ID, "display_name": profile.DisplayName})
}

func listProfilesHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	var profiles []models.Profile
	if err := db.Where("user_id = ? AND active = true", user.ID).Order("id").Find(&profiles).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	out := make([]gin.H, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, gin.H{"id": p.ID, "display_name": p.DisplayName, "date_of_birth": p.DateOfBirth, "notes": p.Notes})
	}
	c.JSON(http.StatusOK, out)
}

// requestedProfile resolves the profileId query param with ownership checks.
func requestedProfile(c *gin.Context) (*models.Profile, bool) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return nil, false
	}
	pid := c.Query("profileId")
	if pid == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "profileId missing"})
		return nil, false
	}
	var p models.Profile
	if err := db.Where("id = ? AND user_id = ? AND active = true", pid, user.ID).First(&p).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
		return nil, false
	}
	return &p, true
}

// listReportsHandler returns all reports for a profile with their metrics,
// newest sample date first.
func listReportsHandler(c *gin.Context) {
	profile, ok := requestedProfile(c)
	if !ok {
		return
	}
	var reports []models.Report
	if err := db.Preload("Metrics").Where("profile_id = ?", profile.ID).Order("sample_date desc").Find(&reports).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	out := make([]gin.H, 0, len(reports))
	for _, rep := range reports {
		metrics := make([]gin.H, 0, len(rep.Metrics))
		for _, m := range rep.Metrics {
			metrics = append(metrics, gin.H{
				"name": m.Name, "value": m.Value, "unit": m.Unit,
				"ref_low": m.RefLow, "ref_high": m.RefHigh, "flag": m.Flag,
			})
		}
		out = append(out, gin.H{"reportId": rep.ID, "sampleDate": rep.SampleDate, "fileName": rep.FileName, "metrics": metrics})
	}
	c.JSON(http.StatusOK, out)
}

// dashboardHandler returns per-metric value series aligned to the profile's
// report dates, for charting clients.
func dashboardHandler(c *gin.Context) {
	profile, ok := requestedProfile(c)
	if !ok {
		return
	}
	var reports []models.Report
	if err := db.Where("profile_id = ?", profile.ID).Order("sample_date").Find(&reports).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if len(reports) == 0 {
		c.JSON(http.StatusOK, gin.H{"dates": []string{}, "metrics": gin.H{}})
		return
	}
	dates := make([]string, len(reports))
	reportIDs := make([]uint, len(reports))
	indexByReport := make(map[uint]int, len(reports))
	for i, rep := range reports {
		dates[i] = rep.SampleDate
		reportIDs[i] = rep.ID
		indexByReport[rep.ID] = i
	}
	var rows []models.Metric
	if err := db.Where("report_id IN ?", reportIDs).Find(&rows).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	type series struct {
		Values  []*float64 `json:"values"`
		Unit    *string    `json:"unit"`
		RefLow  *float64   `json:"ref_low"`
		RefHigh *float64   `json:"ref_high"`
	}
	metrics := make(map[string]*series)
	for _, m := range rows {
		s, ok := metrics[m.Name]
		if !ok {
			s = &series{Values: make([]*float64, len(reports))}
			metrics[m.Name] = s
		}
		v := m.Value
		s.Values[indexByReport[m.ReportID]] = &v
		// prefer the most recent known unit/range for the series header
		if m.Unit != nil {
			s.Unit = m.Unit
		}
		if m.RefLow != nil {
			s.RefLow = m.RefLow
		}
		if m.RefHigh != nil {
			s.RefHigh = m.RefHigh
		}
	}
	c.JSON(http.StatusOK, gin.H{"dates": dates, "metrics": metrics})
}

func listAliasesHandler(c *gin.Context) {
	profile, ok := requestedProfile(c)
	if !ok {
		return
	}
	var aliases []models.MetricAlias
	if err := db.Where("profile_id = ?", profile.ID).Order("alias").Find(&aliases).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	out := make([]gin.H, 0, len(aliases))
	for _, a := range aliases {
		out = append(out, gin.H{"id": a.ID, "alias": a.Alias, "canonical_name": a.CanonicalName})
	}
	c.JSON(http.StatusOK, out)
}

func createAliasHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	var req struct {
		ProfileID     uint   `json:"profile_id" binding:"required"`
		Alias         string `json:"alias" binding:"required"`
		CanonicalName string `json:"canonical_name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	profile, ok := profileForUser(user.ID, req.ProfileID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
		return
	}
	alias := models.MetricAlias{ProfileID: profile.ID, Alias: req.Alias, CanonicalName: req.CanonicalName}
	if err := db.Create(&alias).Error; err != nil {
		if isUniqueConstraintError(err) {
			c.JSON(http.StatusConflict, gin.H{"error": "alias already exists for this profile"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": alias.ID})
}

func deleteAliasHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	var alias models.MetricAlias
	if err := db.First(&alias, c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "alias not found"})
		return
	}
	if _, ok := profileForUser(user.ID, alias.ProfileID); !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	if err := db.Delete(&alias).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "alias deleted"})
}
