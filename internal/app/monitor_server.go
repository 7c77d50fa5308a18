package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"hedge-engine/internal/executor"
	"hedge-engine/internal/monitor"
	"hedge-engine/internal/rebalance"
)

func startMonitorServer(ctx context.Context, svc *monitor.Service, exec *executor.Executor, rebalancer *rebalance.Orchestrator, port int, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := 200
		if qs := q.Get("limit"); qs != "" {
			if v, err := strconv.Atoi(qs); err == nil && v > 0 {
				if v > 1000 {
					v = 1000
				}
				limit = v
			}
		}

		eventType := monitor.EventType("")
		if typ := strings.TrimSpace(q.Get("type")); typ != "" {
			eventType = monitor.EventType(strings.ToLower(typ))
		}

		events, err := svc.ListEvents(r.Context(), eventType, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, events, logger)
	})

	mux.HandleFunc("/executions", func(w http.ResponseWriter, r *http.Request) {
		payload := struct {
			Active  []executor.CrossHedgeResult `json:"active"`
			History []executor.CrossHedgeResult `json:"history"`
		}{
			Active:  exec.ActiveExecutions(),
			History: exec.ExecutionHistory(),
		}
		writeJSON(w, payload, logger)
	})

	mux.HandleFunc("/rebalances", func(w http.ResponseWriter, r *http.Request) {
		payload := struct {
			Active  []rebalance.Result `json:"active"`
			History []rebalance.Result `json:"history"`
		}{
			Active:  rebalancer.ActiveRebalances(),
			History: rebalancer.History(),
		}
		writeJSON(w, payload, logger)
	})

	mux.HandleFunc("/statistics", func(w http.ResponseWriter, r *http.Request) {
		hedgeID := strings.TrimSpace(r.URL.Query().Get("hedge_id"))
		if hedgeID == "" {
			http.Error(w, "缺少 hedge_id 参数", http.StatusBadRequest)
			return
		}
		stats, ok := rebalancer.Statistics(hedgeID)
		if !ok {
			http.Error(w, "没有该对冲组的再平衡统计", http.StatusNotFound)
			return
		}
		writeJSON(w, stats, logger)
	})

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("关闭监控服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("监控服务异常", zap.Error(err))
		}
	}()

	logger.Info("监控接口已启动", zap.String("addr", addr))
	return nil
}

func writeJSON(w http.ResponseWriter, payload interface{}, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("写入监控响应失败", zap.Error(err))
	}
}
