package router

import (
	"log"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sahilchouksey/enrollpay-api/config"
	"github.com/sahilchouksey/enrollpay-api/database"
	"github.com/sahilchouksey/enrollpay-api/handlers"
	auth_handlers "github.com/sahilchouksey/enrollpay-api/handlers/auth"
	enrollment_handlers "github.com/sahilchouksey/enrollpay-api/handlers/enrollment"
	payment_handlers "github.com/sahilchouksey/enrollpay-api/handlers/payment"
	"github.com/sahilchouksey/enrollpay-api/services"
	"github.com/sahilchouksey/enrollpay-api/services/razorpay"
	"github.com/sahilchouksey/enrollpay-api/services/receipts"
	"github.com/sahilchouksey/enrollpay-api/utils/auth"
	"github.com/sahilchouksey/enrollpay-api/utils/cache"
	"github.com/sahilchouksey/enrollpay-api/utils/middleware"
	"gorm.io/gorm"
)

func SetupRoutes(app *fiber.App, store database.Storage) {
	getEnv, err := config.Get()
	if err != nil {
		log.Fatal("Failed to load configuration")
	}

	if getEnv.JWT_SECRET == "" {
		log.Fatal("JWT_SECRET environment variable is not set")
	}

	jwtIssuer := getEnv.JWT_ISSUER
	if jwtIssuer == "" {
		jwtIssuer = "enrollpay-api"
	}

	// Initialize JWT manager with config
	jwtManager := auth.NewJWTManager(auth.JWTConfig{
		Secret: getEnv.JWT_SECRET,
		Expiry: 24 * time.Hour,
		Issuer: jwtIssuer,
	})

	// Get DB instance (type assert from interface)
	db, ok := store.GetDB().(*gorm.DB)
	if !ok {
		log.Fatal("Failed to get GORM DB instance")
	}

	// Initialize Redis cache for the verify throttle and duplicate fast-path
	redisURL := getEnv.REDIS_URL
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	redisCache, err := cache.NewRedisCache(redisURL)
	if err != nil {
		log.Printf("Warning: Failed to connect to Redis: %v. Verify throttling and the duplicate fast-path will be disabled.", err)
		redisCache = nil
	}

	var verifyThrottle *middleware.VerifyThrottle
	if redisCache != nil {
		verifyThrottle = middleware.NewVerifyThrottle(redisCache)
	}

	if getEnv.RAZORPAY_KEY_ID == "" || getEnv.RAZORPAY_KEY_SECRET == "" {
		log.Fatal("RAZORPAY_KEY_ID and RAZORPAY_KEY_SECRET environment variables are not set")
	}

	gateway := razorpay.NewClient(razorpay.Config{
		KeyID:     getEnv.RAZORPAY_KEY_ID,
		KeySecret: getEnv.RAZORPAY_KEY_SECRET,
		BaseURL:   getEnv.RAZORPAY_BASE_URL,
	})

	// Receipt archival is optional; skipped when Spaces is not configured
	var archiver *receipts.Archiver
	if getEnv.SPACES_ACCESS_KEY != "" && getEnv.SPACES_BUCKET != "" {
		archiver, err = receipts.NewArchiver(receipts.Config{
			AccessKey: getEnv.SPACES_ACCESS_KEY,
			SecretKey: getEnv.SPACES_SECRET_KEY,
			Bucket:    getEnv.SPACES_BUCKET,
			Region:    getEnv.SPACES_REGION,
			Endpoint:  getEnv.SPACES_ENDPOINT,
		})
		if err != nil {
			log.Printf("Warning: Failed to initialize receipt archiver: %v. Receipts will not be archived.", err)
		}
	}

	// Initialize services
	enrollmentService := services.NewEnrollmentService(db)
	orderService := services.NewOrderService(db, gateway)
	reconcileService := services.NewReconcileService(db, getEnv.RAZORPAY_KEY_SECRET, redisCache, archiver)

	// Initialize middleware and handlers
	authMiddleware := middleware.NewAuthMiddleware(jwtManager, db)
	authHandler := auth_handlers.NewAuthHandler(db, jwtManager)
	enrollmentHandler := enrollment_handlers.NewEnrollmentHandler(db, enrollmentService)
	paymentHandler := payment_handlers.NewPaymentHandler(db, orderService, reconcileService, verifyThrottle)

	// Apply security middleware
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:3000,http://localhost:3001"
	}

	middleware.SetupSecurity(app, middleware.SecurityConfig{
		AllowedOrigins:    allowedOrigins,
		RateLimitRequests: 100,             // 100 requests
		RateLimitWindow:   1 * time.Minute, // per minute
	})

	// Health check endpoint (public)
	app.Get("/ping", handlers.HandleCheckHealth(store))

	// API v1 group
	api := app.Group("/api/v1")

	// Auth routes (public)
	authGroup := api.Group("/auth")
	authGroup.Post("/register", authHandler.Register)
	authGroup.Post("/login", authHandler.Login)

	// Profile routes (protected)
	profileGroup := api.Group("/profile", authMiddleware.Required())
	profileGroup.Get("/", authHandler.GetProfile)

	// Enrollment routes (protected)
	enrollments := api.Group("/enrollments", authMiddleware.Required())
	enrollments.Post("/", enrollmentHandler.CreateEnrollment)
	enrollments.Get("/:id", enrollmentHandler.GetEnrollment)

	// Payment routes (protected)
	payments := api.Group("/payments", authMiddleware.Required())
	payments.Post("/orders", paymentHandler.CreateOrder)
	payments.Post("/failure", paymentHandler.ReportFailure)

	// Verification carries the throttle when Redis is available; the engine is
	// idempotent either way.
	if verifyThrottle != nil {
		payments.Post("/verify", verifyThrottle.Check(), paymentHandler.VerifyPayment)
	} else {
		payments.Post("/verify", paymentHandler.VerifyPayment)
	}
}
