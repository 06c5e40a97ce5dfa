package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-seqgan/internal/logger"
)

// HealthStatus represents the health status of the trainer
type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
	System    SystemInfo    `json:"system"`
	Training  TrainingInfo  `json:"training"`
	Alerts    []Alert       `json:"alerts"`
}

// SystemInfo contains process-level information
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// TrainingInfo tracks progress of the generator training loop
type TrainingInfo struct {
	Phase            string    `json:"phase"`
	PretrainSteps    int       `json:"pretrain_steps"`
	AdversarialSteps int       `json:"adversarial_steps"`
	LastPretrainLoss float64   `json:"last_pretrain_loss"`
	LastPGLoss       float64   `json:"last_pg_loss"`
	LastMeanReward   float64   `json:"last_mean_reward"`
	Failures         int       `json:"failures"`
	LastStep         time.Time `json:"last_step"`
}

// Alert represents a trainer alert
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // pretrain, adversarial, discriminator
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

const maxAlerts = 100

// HealthMonitor serves health, status and metrics endpoints for a training run
type HealthMonitor struct {
	startTime time.Time
	server    *http.Server
	mu        sync.RWMutex
	alerts    []Alert
	training  TrainingInfo
	log       *logger.Logger
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		alerts:    make([]Alert, 0),
		training:  TrainingInfo{Phase: "idle"},
		log:       logger.Log.With("monitoring"),
	}
}

// Handler returns the monitor's routes.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth) // Kubernetes compatibility

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/status", hm.handleDetailedStatus)

	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start serves the monitor on addr until Stop is called.
func (hm *HealthMonitor) Start(addr string) error {
	hm.mu.Lock()
	hm.server = &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	srv := hm.server
	hm.mu.Unlock()

	hm.log.Info("health monitor starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	hm.mu.RLock()
	srv := hm.server
	hm.mu.RUnlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// RecordPretrain records a maximum-likelihood step.
func (hm *HealthMonitor) RecordPretrain(loss float64) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.training.Phase = "pretrain"
	hm.training.PretrainSteps++
	hm.training.LastStep = time.Now()
	if hm.checkLossLocked("pretrain", loss) {
		hm.training.LastPretrainLoss = loss
	}
}

// RecordAdversarial records a policy-gradient step.
func (hm *HealthMonitor) RecordAdversarial(loss, meanReward float64) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.training.Phase = "adversarial"
	hm.training.AdversarialSteps++
	hm.training.LastStep = time.Now()
	if hm.checkLossLocked("adversarial", loss) {
		hm.training.LastPGLoss = loss
		hm.training.LastMeanReward = meanReward
	}
}

// RecordFailure raises an error alert for a failed step.
func (hm *HealthMonitor) RecordFailure(component string, err error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.training.Failures++
	hm.addAlertLocked("error", component, err.Error())
}

// SetPhase marks the current stage of the run, e.g. "done".
func (hm *HealthMonitor) SetPhase(phase string) {
	hm.mu.Lock()
	hm.training.Phase = phase
	hm.mu.Unlock()
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.addAlertLocked(level, component, message)
}

func (hm *HealthMonitor) addAlertLocked(level, component, message string) {
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})

	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}

	hm.log.Warn("alert raised", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

// checkLossLocked raises a critical alert for a non-finite loss and reports
// whether the loss may be stored. JSON cannot carry NaN or Inf.
func (hm *HealthMonitor) checkLossLocked(component string, loss float64) bool {
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		hm.addAlertLocked("critical", component, fmt.Sprintf("non-finite loss: %v", loss))
		return false
	}
	return true
}

// HTTP Handlers

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()

	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

// Status computes the current health snapshot.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, alert := range hm.alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			status = "critical"
			break
		}
		if alert.Level == "error" {
			status = "degraded"
		}
	}

	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)

	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    time.Since(hm.startTime),
		System:    systemInfo(),
		Training:  hm.training,
		Alerts:    alerts,
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}
