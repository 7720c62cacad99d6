package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/skip2/go-qrcode"

	"clubcheck/internal/attendance"
	"clubcheck/internal/auth"
	"clubcheck/internal/broadcast"
	"clubcheck/internal/config"
	"clubcheck/internal/httpmiddleware"
	"clubcheck/internal/queue"
	"clubcheck/internal/roster"
	"clubcheck/internal/rotating"
	"clubcheck/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "clubcheck:marks")
	}

	rosterRepo := roster.NewRepository(db.Client)
	rosterSvc := roster.NewService(rosterRepo)
	codes := rotating.NewEngine(cfg.JWTIssuer)
	bcast := broadcast.NewEngine(rosterRepo)
	records := attendance.NewRepository(db.Client)
	att := attendance.NewService(rosterRepo, records, codes, bcast, q, cfg.BeaconCheckEnabled)

	ctx := context.Background()
	if cfg.SeedOnStartup {
		if err := seedInitialData(ctx, rosterSvc); err != nil {
			log.Printf("seed failed: %v", err)
		}
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	registerUser := func(c *gin.Context) {
		var req struct {
			Username string `json:"username" binding:"required"`
			FullName string `json:"full_name"`
			Password string `json:"password" binding:"required"`
			Role     string `json:"role" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		hashed, err := auth.HashPassword(req.Password)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "password hash failed"})
			return
		}
		user, err := rosterSvc.Register(c.Request.Context(), req.Username, req.FullName, hashed, roster.Role(req.Role))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, user)
	}

	r.POST("/api/auth/register", registerUser)

	r.POST("/api/auth/token", func(c *gin.Context) {
		var req struct {
			Username string `json:"username" form:"username" binding:"required"`
			Password string `json:"password" form:"password" binding:"required"`
		}
		if err := c.ShouldBind(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		user, err := rosterSvc.GetUserByUsername(c.Request.Context(), req.Username)
		if err != nil || auth.CheckPassword(user.HashedPassword, req.Password) != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "incorrect username or password"})
			return
		}
		token, exp, err := auth.Issue(user.Username, user.ID, string(user.Role), cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"access_token": token,
			"token_type":   "bearer",
			"expires_at":   exp.Unix(),
		})
	})

	api := r.Group("/api", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer))
	teacherOnly := api.Group("", auth.RequireRoles(string(roster.RoleTeacher)))
	studentOnly := api.Group("", auth.RequireRoles(string(roster.RoleStudent)))

	teacherOnly.POST("/users", registerUser)

	teacherOnly.GET("/users", func(c *gin.Context) {
		skip := intQuery(c, "skip", 0)
		limit := intQuery(c, "limit", 100)
		users, err := rosterSvc.ListUsers(c.Request.Context(), skip, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, users)
	})

	api.GET("/attendance/count", func(c *gin.Context) {
		caller := callerFrom(c)
		target := caller.ID
		if v := c.Query("user_id"); v != "" {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
				return
			}
			target = parsed
		}
		var sectionID *int64
		if v := c.Query("section_id"); v != "" {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid section_id"})
				return
			}
			sectionID = &parsed
		}
		count, err := att.Count(c.Request.Context(), caller, target, sectionID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": count})
	})

	teacherOnly.POST("/attendance/manual", func(c *gin.Context) {
		var req struct {
			SectionID int64 `json:"section_id" binding:"required"`
			StudentID int64 `json:"student_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rec, err := att.MarkManual(c.Request.Context(), callerFrom(c), req.SectionID, req.StudentID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	})

	api.GET("/student/qr-token/:user_id", func(c *gin.Context) {
		userID, ok := pathID(c, "user_id")
		if !ok {
			return
		}
		code, window, err := att.RequestCode(c.Request.Context(), callerFrom(c), userID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": code, "expires_in": window})
	})

	api.GET("/student/qr-image/:user_id", func(c *gin.Context) {
		userID, ok := pathID(c, "user_id")
		if !ok {
			return
		}
		code, _, err := att.RequestCode(c.Request.Context(), callerFrom(c), userID)
		if err != nil {
			respondError(c, err)
			return
		}
		png, err := qrcode.Encode(code, qrcode.Medium, 256)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "qr render failed"})
			return
		}
		c.Data(http.StatusOK, "image/png", png)
	})

	teacherOnly.POST("/attendance/scan-student", func(c *gin.Context) {
		var req struct {
			Token     string `json:"token" binding:"required"`
			SectionID int64  `json:"section_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rec, err := att.ScanRotating(c.Request.Context(), callerFrom(c), req.Token, req.SectionID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	})

	teacherOnly.POST("/teacher/master-qr/enable/:teacher_id", func(c *gin.Context) {
		teacherID, ok := pathID(c, "teacher_id")
		if !ok {
			return
		}
		secret, err := bcast.Enable(c.Request.Context(), callerFrom(c).ID, teacherID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "master code enabled", "master_qr_secret": secret})
	})

	teacherOnly.POST("/teacher/master-qr/disable/:teacher_id", func(c *gin.Context) {
		teacherID, ok := pathID(c, "teacher_id")
		if !ok {
			return
		}
		if err := bcast.Disable(c.Request.Context(), callerFrom(c).ID, teacherID); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "master code disabled"})
	})

	teacherOnly.GET("/teacher/master-qr/image/:teacher_id", func(c *gin.Context) {
		teacherID, ok := pathID(c, "teacher_id")
		if !ok {
			return
		}
		caller := callerFrom(c)
		if caller.ID != teacherID {
			c.JSON(http.StatusForbidden, gin.H{"error": broadcast.ErrForbidden.Error()})
			return
		}
		user, err := rosterSvc.GetUser(c.Request.Context(), teacherID)
		if err != nil {
			respondError(c, err)
			return
		}
		if !user.BroadcastOn || user.BroadcastSecret == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "master code not enabled"})
			return
		}
		png, err := qrcode.Encode(*user.BroadcastSecret, qrcode.Medium, 256)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "qr render failed"})
			return
		}
		c.Data(http.StatusOK, "image/png", png)
	})

	studentOnly.POST("/attendance/scan-lecture", func(c *gin.Context) {
		var req struct {
			Secret    string `json:"secret" form:"secret" binding:"required"`
			SectionID int64  `json:"section_id" form:"section_id" binding:"required"`
			BeaconID  string `json:"beacon_id" form:"beacon_id"`
		}
		if err := c.ShouldBind(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rec, teacher, err := att.ScanBroadcast(c.Request.Context(), callerFrom(c), req.Secret, req.SectionID, req.BeaconID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message": "attendance marked by master code from " + teacher.FullName,
			"record":  rec,
		})
	})

	teacherOnly.POST("/sections", func(c *gin.Context) {
		var req struct {
			Name string `json:"name" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		section, err := rosterSvc.CreateSection(c.Request.Context(), req.Name)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, section)
	})

	api.GET("/sections", func(c *gin.Context) {
		sections, err := rosterSvc.ListSections(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, sections)
	})

	teacherOnly.POST("/sections/:section_id/students/:student_id", func(c *gin.Context) {
		sectionID, ok := pathID(c, "section_id")
		if !ok {
			return
		}
		studentID, ok := pathID(c, "student_id")
		if !ok {
			return
		}
		if err := rosterSvc.AddStudent(c.Request.Context(), sectionID, studentID); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "student added to section"})
	})

	teacherOnly.POST("/sections/:section_id/teachers/:teacher_id", func(c *gin.Context) {
		sectionID, ok := pathID(c, "section_id")
		if !ok {
			return
		}
		teacherID, ok := pathID(c, "teacher_id")
		if !ok {
			return
		}
		if err := rosterSvc.AddTeacher(c.Request.Context(), sectionID, teacherID); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "teacher added to section"})
	})

	teacherOnly.POST("/sections/:section_id/beacons", func(c *gin.Context) {
		sectionID, ok := pathID(c, "section_id")
		if !ok {
			return
		}
		var req struct {
			BeaconID string `json:"beacon_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := rosterSvc.AddBeacon(c.Request.Context(), sectionID, req.BeaconID); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "beacon added"})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}

	log.Println("server exited")
	return nil
}

// CORS middleware for browser requests.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}

// callerFrom builds the core caller identity from the bearer claims.
func callerFrom(c *gin.Context) attendance.Caller {
	claims, _ := auth.FromContext(c)
	return attendance.Caller{ID: claims.UID, Role: roster.Role(claims.Role)}
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func intQuery(c *gin.Context, name string, fallback int) int {
	if v := c.Query(name); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

// respondError maps service errors onto stable HTTP responses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, roster.ErrNotFound),
		errors.Is(err, attendance.ErrNotFound),
		errors.Is(err, broadcast.ErrNotFound),
		errors.Is(err, broadcast.ErrNotTeacher):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrForbidden),
		errors.Is(err, broadcast.ErrForbidden),
		errors.Is(err, attendance.ErrTeacherNotInSection):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, roster.ErrUsernameTaken),
		errors.Is(err, roster.ErrSectionNameTaken),
		errors.Is(err, roster.ErrBadRole),
		errors.Is(err, attendance.ErrInvalidCode),
		errors.Is(err, attendance.ErrInvalidSecret),
		errors.Is(err, attendance.ErrStudentNotInSection),
		errors.Is(err, attendance.ErrBeaconRejected):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// seedInitialData creates a demo teacher, student and section for dev
// environments.
func seedInitialData(ctx context.Context, svc *roster.Service) error {
	teacher, err := svc.GetUserByUsername(ctx, "teacher")
	if errors.Is(err, roster.ErrNotFound) {
		hashed, herr := auth.HashPassword("teacherpass")
		if herr != nil {
			return herr
		}
		teacher, err = svc.Register(ctx, "teacher", "Prof. Teacher", hashed, roster.RoleTeacher)
	}
	if err != nil {
		return err
	}
	student, err := svc.GetUserByUsername(ctx, "student")
	if errors.Is(err, roster.ErrNotFound) {
		hashed, herr := auth.HashPassword("studentpass")
		if herr != nil {
			return herr
		}
		student, err = svc.Register(ctx, "student", "John Student", hashed, roster.RoleStudent)
	}
	if err != nil {
		return err
	}

	section, err := svc.CreateSection(ctx, "Default Section")
	if errors.Is(err, roster.ErrSectionNameTaken) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := svc.AddTeacher(ctx, section.ID, teacher.ID); err != nil {
		return err
	}
	return svc.AddStudent(ctx, section.ID, student.ID)
}
