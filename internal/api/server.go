// Package api implements the command/status REST surface: triggering scans, inspecting and cancelling background
// jobs, managing scheduled jobs, and administering cache folders. Browsing collections/images, auth, and
// user profiles belong to external collaborators and have no routes here.
package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nvia/catalogd/internal/apierrors"
	"github.com/nvia/catalogd/internal/auth"
	"github.com/nvia/catalogd/internal/bus"
	"github.com/nvia/catalogd/internal/catalog/backgroundjob"
	"github.com/nvia/catalogd/internal/catalog/cacheroot"
	"github.com/nvia/catalogd/internal/catalog/collection"
	"github.com/nvia/catalogd/internal/catalog/library"
	"github.com/nvia/catalogd/internal/catalog/scheduledjob"
	"github.com/nvia/catalogd/internal/httputil"
)

// Deps groups every collaborator the REST surface needs. JWTKey (with its issuer/audience checks) gates the
// command routes behind the caller-identity middleware; left empty, callers stay anonymous and the deployment is
// expected to terminate authentication upstream.
type Deps struct {
	Libraries     library.Repository
	Collections   collection.Repository
	Jobs          backgroundjob.Repository
	ScheduledJobs scheduledjob.Repository
	CacheRoots    cacheroot.Repository
	Bus           *bus.Bus
	DB            *pgxpool.Pool
	Redis         *redis.Client
	JWTKey        string
	JWTIssuer     string
	JWTAudience   string
	Log           zerolog.Logger
}

// NewApp builds the Fiber app, registering every route in the command/status surface plus a health check.
func NewApp(deps Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: "catalogd",
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			code := apierrors.InternalError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
				message = fe.Message
				code = fiberStatusToAPICode(fe.Code)
			} else {
				deps.Log.Error().Err(err).Str("method", c.Method()).Str("path", c.Path()).Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{Error: httputil.ErrorBody{Code: code, Message: message}})
		},
	})

	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(deps.Log))
	app.Use(cors.New())

	health := NewHealthHandler(deps.DB, deps.Redis)
	app.Get("/api/v1/health", health.Health)

	// Registered after the health route so probes stay unauthenticated.
	app.Use(auth.CallerIdentity(deps.JWTKey, deps.JWTIssuer, deps.JWTAudience))

	libraries := NewLibraryHandler(deps.Libraries, deps.Collections, deps.Jobs, deps.Bus, deps.Log)
	app.Post("/api/v1/libraries/:id/scan", libraries.Scan)

	collections := NewCollectionHandler(deps.Collections, deps.Jobs, deps.Bus, deps.Log)
	app.Post("/api/v1/collections/:id/scan", collections.Scan)

	jobs := NewJobHandler(deps.Jobs, deps.Log)
	app.Get("/api/v1/background/jobs/:id", jobs.Get)
	app.Post("/api/v1/background/jobs/:id/cancel", jobs.Cancel)

	scheduled := NewScheduledJobHandler(deps.ScheduledJobs, deps.Log)
	app.Get("/api/v1/scheduledjobs", scheduled.List)
	app.Post("/api/v1/scheduledjobs/:id/enable", scheduled.Enable)
	app.Post("/api/v1/scheduledjobs/:id/disable", scheduled.Disable)
	app.Get("/api/v1/scheduledjobs/:id/runs", scheduled.ListRuns)

	cacheFolders := NewCacheFolderHandler(deps.CacheRoots, deps.Log)
	app.Post("/api/v1/cache-folders", cacheFolders.Create)
	app.Put("/api/v1/cache-folders/:id", cacheFolders.Update)
	app.Delete("/api/v1/cache-folders/:id", cacheFolders.Delete)
	app.Post("/api/v1/cache-folders/validate", cacheFolders.Validate)

	// Catch-all: without this, Fiber v3 treats the app.Use() middleware above as a route match and returns 200 with
	// an empty body for unmatched paths instead of 404.
	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})

	return app
}

// fiberStatusToAPICode maps a Fiber/HTTP status code to a stable apierrors.Code for errors Fiber itself raises
// (404 for unmatched routes, 405 for method mismatches) rather than ones our handlers already mapped.
func fiberStatusToAPICode(status int) apierrors.Code {
	switch status {
	case fiber.StatusNotFound:
		return apierrors.NotFound
	case fiber.StatusBadRequest:
		return apierrors.InvalidBody
	case fiber.StatusConflict:
		return apierrors.Conflict
	case fiber.StatusUnauthorized:
		return apierrors.Unauthorised
	default:
		return apierrors.InternalError
	}
}
