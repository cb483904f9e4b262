package internal_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"fraud_scorer/internal/config"
	"fraud_scorer/internal/domain"
	"fraud_scorer/internal/model"
	"fraud_scorer/internal/model/modeltest"
	"fraud_scorer/internal/service"
)

type testEnv struct {
	svc    *service.ScoringService
	opener *modeltest.Opener
	engine *modeltest.Engine
	client *http.Client
	cancel context.CancelFunc
	done   chan error
}

func setup(t *testing.T, sig model.Signature, engine *modeltest.Engine, block <-chan struct{}) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Model.Path = modeltest.WriteArtifact(t)
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Metrics.Addr = "127.0.0.1:0"
	cfg.HTTP.ShutdownGrace = 2 * time.Second

	opener := &modeltest.Opener{Signature: sig, Engine: engine, Block: block}
	svc, err := service.NewScoringService(cfg, opener, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	env := &testEnv{
		svc:    svc,
		opener: opener,
		engine: engine,
		client: &http.Client{Timeout: 5 * time.Second},
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() { env.done <- svc.Run(ctx) }()

	t.Cleanup(func() {
		env.stop(t)
	})
	return env
}

func (e *testEnv) stop(t *testing.T) error {
	t.Helper()
	e.cancel()
	select {
	case err, ok := <-e.done:
		if !ok {
			return nil
		}
		close(e.done)
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
		return nil
	}
}

func (e *testEnv) url(path string) string {
	return "http://" + e.svc.HTTPAddr() + path
}

func (e *testEnv) waitReady(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !e.svc.Ready() {
		if time.Now().After(deadline) {
			t.Fatal("model never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (e *testEnv) health(t *testing.T) string {
	t.Helper()
	resp, err := e.client.Get(e.url("/health"))
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return body.Status
}

func (e *testEnv) predict(t *testing.T, features []float64) (int, []byte) {
	t.Helper()
	code, body, err := e.post(features)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	return code, body
}

func (e *testEnv) post(features []float64) (int, []byte, error) {
	payload, err := json.Marshal(map[string][]float64{"features": features})
	if err != nil {
		return 0, nil, err
	}
	resp, err := e.client.Post(e.url("/predict"), "application/json", bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return resp.StatusCode, body, err
}

func uniform(v float64) []float64 {
	out := make([]float64, domain.DefaultFeatureCount)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestIntegration_StartupOrderingAndPrediction(t *testing.T) {
	block := make(chan struct{})
	engine := &modeltest.Engine{Outputs: modeltest.ProbabilityMapOutputs(map[int64]float64{0: 0.1, 1: 0.9})}
	env := setup(t, modeltest.ProbabilityMapSignature(domain.DefaultFeatureCount), engine, block)

	if status := env.health(t); status != "starting" {
		t.Fatalf("expected starting before load, got %s", status)
	}
	if code, _ := env.predict(t, uniform(0.5)); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before load, got %d", code)
	}

	close(block)
	env.waitReady(t)

	if status := env.health(t); status != "healthy" {
		t.Fatalf("expected healthy after load, got %s", status)
	}
	code, body := env.predict(t, uniform(0.5))
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", code, body)
	}
	var result domain.PredictionResult
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.FraudScore != 0.9 || !result.IsFraud {
		t.Errorf("expected {0.9 true}, got %+v", result)
	}

	cfgs := env.opener.Configs()
	if len(cfgs) != 1 || cfgs[0].IntraOpThreads != 1 || cfgs[0].InterOpThreads != 1 {
		t.Errorf("expected one single-threaded session, got %+v", cfgs)
	}

	if err := env.stop(t); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
	if !engine.Closed() {
		t.Error("expected model to be closed at shutdown")
	}
}

func TestIntegration_MetricsExposed(t *testing.T) {
	engine := &modeltest.Engine{Outputs: modeltest.RawScoreOutputs(0.2)}
	env := setup(t, modeltest.RawScoreSignature(domain.DefaultFeatureCount), engine, nil)
	env.waitReady(t)

	if code, body := env.predict(t, uniform(0.5)); code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", code, body)
	}
	if code, _ := env.predict(t, uniform(0.5)[:3]); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}

	resp, err := env.client.Get("http://" + env.svc.MetricsAddr() + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		"fraud_model_ready 1",
		`fraud_predictions_total{verdict="legit"} 1`,
		`fraud_prediction_errors_total{code="FEATURE_COUNT_MISMATCH",stage="validated"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected %q in metrics", want)
		}
	}
}

func TestIntegration_ConcurrentPredictions(t *testing.T) {
	engine := &modeltest.Engine{Fn: func(input []float32) ([]model.Output, error) {
		return modeltest.RawScoreOutputs(float64(input[0])), nil
	}}
	env := setup(t, modeltest.RawScoreSignature(domain.DefaultFeatureCount), engine, nil)
	env.waitReady(t)

	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v := float64(i) / n
			code, body, err := env.post(uniform(v))
			if err != nil {
				errs <- err
				return
			}
			if code != http.StatusOK {
				errs <- fmt.Errorf("request %d: status %d", i, code)
				return
			}
			var result domain.PredictionResult
			if err := json.Unmarshal(body, &result); err != nil {
				errs <- err
				return
			}
			if want := float64(float32(v)); result.FraudScore != want {
				errs <- fmt.Errorf("request %d: expected %v, got %v", i, want, result.FraudScore)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestIntegration_MissingArtifactAbortsStartup(t *testing.T) {
	cfg := config.Default()
	cfg.Model.Path = filepath.Join(t.TempDir(), "absent.onnx")
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Metrics.Addr = "127.0.0.1:0"

	svc, err := service.NewScoringService(cfg, &modeltest.Opener{}, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = svc.Run(ctx)

	if !errors.Is(err, model.ErrArtifactNotFound) {
		t.Fatalf("expected ErrArtifactNotFound, got %v", err)
	}
	if svc.Ready() {
		t.Error("expected service never to become ready")
	}
}

func TestIntegration_ShutdownDuringModelLoadIsClean(t *testing.T) {
	block := make(chan struct{})
	env := setup(t, modeltest.RawScoreSignature(domain.DefaultFeatureCount), &modeltest.Engine{}, block)

	if status := env.health(t); status != "starting" {
		t.Fatalf("expected starting before load, got %s", status)
	}

	env.cancel()
	close(block)

	if err := env.stop(t); err != nil {
		t.Fatalf("expected clean shutdown while loading, got %v", err)
	}
	if env.svc.Ready() {
		t.Error("expected service never to become ready")
	}
	if n := len(env.opener.Configs()); n != 0 {
		t.Errorf("expected no session opened after shutdown, got %d", n)
	}
}

func TestIntegration_CancelledBeforeStartIsClean(t *testing.T) {
	cfg := config.Default()
	cfg.Model.Path = modeltest.WriteArtifact(t)
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Metrics.Addr = "127.0.0.1:0"

	svc, err := service.NewScoringService(cfg, &modeltest.Opener{Signature: modeltest.RawScoreSignature(domain.DefaultFeatureCount)}, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := svc.Run(ctx); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}
