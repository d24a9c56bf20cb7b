package predict

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tickflow/config"
	"tickflow/logger"
)

// Server relays prediction requests to the external model service. It is a
// stateless pass-through: no model logic lives here.
type Server struct {
	cfg        config.PredictConfig
	log        *logger.Log
	httpServer *http.Server
	client     *http.Client
}

type predictRequest struct {
	InputData json.RawMessage `json:"input_data"`
}

// NewServer constructs the proxy when the predict feature is enabled. When
// disabled the returned server is nil.
func NewServer(cfg config.PredictConfig, log *logger.Log) *Server {
	if !cfg.Enabled {
		return nil
	}

	return &Server{
		cfg: cfg,
		log: log,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Run starts the proxy HTTP server and blocks until the provided context is
// cancelled or the underlying HTTP server exits with an error.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	s.log.WithComponent("predict").WithFields(logger.Fields{
		"address":  s.cfg.Address,
		"upstream": s.cfg.UpstreamURL,
	}).Info("predict proxy listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.POST("/predict", s.handlePredict)

	return router, nil
}

func (s *Server) handlePredict(c *gin.Context) {
	log := s.log.WithComponent("predict")

	var req predictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid request body"})
		return
	}
	if len(req.InputData) == 0 || string(req.InputData) == "null" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "input_data is required"})
		return
	}

	prediction, err := s.forward(c.Request.Context(), req.InputData)
	if err != nil {
		log.WithError(err).Warn("upstream prediction failed")
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "message": "prediction service unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "prediction": prediction})
}

// forward posts the input to the model service and returns its prediction
// payload untouched.
func (s *Server) forward(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]json.RawMessage{"input_data": input})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upstream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.UpstreamURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	var parsed struct {
		Prediction json.RawMessage `json:"prediction"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil || len(parsed.Prediction) == 0 {
		// upstream may respond with the prediction as the whole body
		return payload, nil
	}
	return parsed.Prediction, nil
}
