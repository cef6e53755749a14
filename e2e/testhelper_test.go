package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/promptmesh/api/internal/auth"
	"github.com/promptmesh/api/internal/client"
	"github.com/promptmesh/api/internal/config"
	"github.com/promptmesh/api/internal/handler"
	"github.com/promptmesh/api/internal/middleware"
	"github.com/promptmesh/api/internal/model"
	"github.com/promptmesh/api/internal/queue"
	"github.com/promptmesh/api/internal/service"
	"github.com/promptmesh/api/internal/store"
	ws "github.com/promptmesh/api/internal/websocket"
	"github.com/promptmesh/api/internal/worker"
)

const testJWTSecret = "test-secret-for-e2e"

// testApp holds all components needed for testing
type testApp struct {
	app *fiber.App
}

// setupApp creates a Fiber app identical to main.go but on the in-memory
// store and with unconfigured external providers, so everything runs
// mock-backed. Pools are built but their admission loops are not started:
// created requests stay pending, which keeps the HTTP assertions
// deterministic.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	ms := store.NewMemStore()
	validate := validator.New()
	hub := ws.NewHub(nil)

	// No API keys → mock providers
	imageProvider := client.NewImageProvider(&config.FalConfig{})
	modelProvider := client.NewModelProvider(&config.MeshyConfig{})

	defaults := map[model.Stage]model.QueueRuntimeConfig{
		model.StageImage: {
			Stage:          model.StageImage,
			MaxConcurrency: 2,
			JobTimeout:     10 * time.Minute,
			MaxRetries:     3,
			RetryBaseDelay: 5 * time.Second,
			RetryMaxDelay:  2 * time.Minute,
		},
		model.StageModel: {
			Stage:          model.StageModel,
			MaxConcurrency: 1,
			JobTimeout:     20 * time.Minute,
			MaxRetries:     3,
			RetryBaseDelay: 5 * time.Second,
			RetryMaxDelay:  2 * time.Minute,
		},
	}
	cache := queue.NewConfigCache(ms, defaults, time.Minute)
	if err := cache.EnsureDefaults(context.Background()); err != nil {
		t.Fatalf("failed to seed queue configs: %v", err)
	}

	svc := service.NewRequestService(ms, nil, hub, 4)

	imageWorker := worker.NewImageWorker(svc, imageProvider, nil, cache)
	modelWorker := worker.NewModelWorker(svc, modelProvider, nil, cache)

	imagePool := queue.NewPool(model.StageImage, cache, imageWorker, nil)
	modelPool := queue.NewPool(model.StageModel, cache, modelWorker, nil)
	svc.AttachQueues(imagePool, modelPool)

	requestHandler := handler.NewRequestHandler(svc, validate)
	adminHandler := handler.NewAdminHandler(cache, map[model.Stage]service.StageQueue{
		model.StageImage: imagePool,
		model.StageModel: modelPool,
	}, validate)
	authHandler := handler.NewAuthHandler(nil, testJWTSecret)

	authMiddleware := middleware.NewLegacyAuthMiddleware(testJWTSecret)
	rateLimiter := middleware.NewRateLimiter(nil) // no redis → limiter passes through

	app := fiber.New(fiber.Config{
		BodyLimit: 1 * 1024 * 1024,
	})

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": time.Now().Unix()})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"redis": false,
				"image": false,
				"model": false,
				"r2":    false,
				"auth":  true,
			},
		})
	})
	app.Get("/auth/verify", authHandler.Verify)

	api := app.Group("/api", authMiddleware.Authenticate())

	requests := api.Group("/requests")
	requests.Post("/", rateLimiter.GenerateLimit(10000), requestHandler.Create)
	requests.Get("/", requestHandler.List)
	requests.Get("/:id", requestHandler.Get)
	requests.Post("/:id/select", requestHandler.SelectImage)
	requests.Post("/:id/cancel", requestHandler.Cancel)
	requests.Post("/:id/retry", requestHandler.Retry)
	requests.Delete("/:id", requestHandler.Delete)

	admin := api.Group("/admin")
	admin.Get("/queues", adminHandler.ListQueues)
	admin.Get("/queues/:stage", adminHandler.GetQueue)
	admin.Patch("/queues/:stage", adminHandler.UpdateQueue)
	admin.Post("/queues/:stage/pause", adminHandler.PauseQueue)
	admin.Post("/queues/:stage/resume", adminHandler.ResumeQueue)

	return &testApp{app: app}
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	claims := auth.LegacyClaims{
		UserID: "test-user-123",
		Email:  "test@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "promptmesh-api",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// parseJSONArray parses response body into a slice.
func parseJSONArray(t *testing.T, resp *http.Response) []interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result []interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON array: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// assertErrorCode checks the error envelope code.
func assertErrorCode(t *testing.T, result map[string]interface{}, code string) {
	t.Helper()
	errObj, ok := result["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error object in response, got %v", result)
	}
	if errObj["code"] != code {
		t.Errorf("expected error code %s, got %v", code, errObj["code"])
	}
}

// createRequest creates a generation request and returns its ID.
func createRequest(t *testing.T, app *fiber.App) string {
	t.Helper()
	resp, err := doAuthRequest(t, app, http.MethodPost, "/api/requests", `{"prompt": "a ceramic teapot on a wooden table"}`)
	if err != nil {
		t.Fatalf("create request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)
	result := parseJSON(t, resp)
	id, ok := result["id"].(string)
	if !ok || id == "" {
		t.Fatalf("expected request id in response, got %v", result)
	}
	return id
}
