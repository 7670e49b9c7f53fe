package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/xiaopohou/MessageCenter/internal/config"
	"github.com/xiaopohou/MessageCenter/internal/handler"
	"github.com/xiaopohou/MessageCenter/internal/log"
	"github.com/xiaopohou/MessageCenter/internal/message"
	"github.com/xiaopohou/MessageCenter/internal/metrics"
	"github.com/xiaopohou/MessageCenter/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func SetupRouter(r *chi.Mux, cfg *config.Config, handlers *handler.Table, reg *message.Registry, msgStore *store.MessageStore, db *sql.DB, rdb *redis.Client, m *metrics.PipelineMetrics) {
	logger := log.NewLogger()
	r.Use(httprate.Limit(100, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			logger.Errorw("Database health check failed", "error", err)
			http.Error(w, "Database unhealthy", http.StatusServiceUnavailable)
			return
		}
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			logger.Errorw("Queue health check failed", "error", err)
			http.Error(w, "Queue unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("OK"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(cfg.JWTSecret, logger))

		r.Post("/messages", func(w http.ResponseWriter, r *http.Request) {
			msg, err := decodeMessage(r.Body, reg)
			if err != nil {
				logger.Errorw("Failed to decode message", "error", err)
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			h, ok := handlers.ForMessage(msg)
			if !ok {
				http.Error(w, fmt.Sprintf("no handler for message type %q", msg.Type()), http.StatusNotFound)
				return
			}
			start := time.Now()
			if err := h.Handle(r.Context(), msg); err != nil {
				logger.Errorw("Failed to handle message", "error", err, "msg_type", msg.Type())
				http.Error(w, err.Error(), http.StatusUnprocessableEntity)
				return
			}
			if m != nil {
				m.SubmittedTotal.WithLabelValues(string(msg.Type())).Inc()
			}
			logger.Infow("Message submitted", "msg_id", msg.Base().ID, "msg_type", msg.Type(), "duration", time.Since(start))
			w.WriteHeader(http.StatusAccepted)
			writeJSON(w, logger, map[string]interface{}{
				"id":     msg.Base().ID,
				"status": msg.Base().Status,
			})
		})

		r.Get("/messages", func(w http.ResponseWriter, r *http.Request) {
			typ := message.MsgType(r.URL.Query().Get("type"))
			h, ok := handlers.ForType(typ)
			if !ok {
				http.Error(w, fmt.Sprintf("unknown message type %q", typ), http.StatusNotFound)
				return
			}
			cond := message.SearchCondition{
				Receiver: r.URL.Query().Get("receiver"),
				Keyword:  r.URL.Query().Get("keyword"),
			}
			if v := r.URL.Query().Get("status"); v != "" {
				status := message.Status(v)
				cond.Status = &status
			}
			cond.Page, _ = strconv.Atoi(r.URL.Query().Get("page"))
			cond.PageSize, _ = strconv.Atoi(r.URL.Query().Get("page_size"))

			msgs, err := h.Search(r.Context(), cond)
			if err != nil {
				logger.Errorw("Search failed", "error", err, "msg_type", typ)
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, logger, msgs)
		})

		r.Get("/messages/{type}/{id}", func(w http.ResponseWriter, r *http.Request) {
			h, msgID, ok := resolveMessage(w, r, handlers)
			if !ok {
				return
			}
			msg, err := h.Get(r.Context(), msgID)
			if err == store.ErrNotFound {
				http.Error(w, "message not found", http.StatusNotFound)
				return
			}
			if err != nil {
				logger.Errorw("Get failed", "error", err, "msg_id", msgID)
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, logger, msg)
		})

		r.Delete("/messages/{type}/{id}", func(w http.ResponseWriter, r *http.Request) {
			h, msgID, ok := resolveMessage(w, r, handlers)
			if !ok {
				return
			}
			deleted, err := h.Delete(r.Context(), msgID)
			if err != nil {
				logger.Errorw("Delete failed", "error", err, "msg_id", msgID)
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if !deleted {
				http.Error(w, "message not found", http.StatusNotFound)
				return
			}
			w.Write([]byte("OK"))
		})

		r.Get("/txt/unread", func(w http.ResponseWriter, r *http.Request) {
			receiverID, err := strconv.ParseInt(r.URL.Query().Get("receiver_id"), 10, 64)
			if err != nil {
				http.Error(w, "invalid receiver_id", http.StatusBadRequest)
				return
			}
			count, err := msgStore.UnreadTxtCount(r.Context(), receiverID)
			if err != nil {
				logger.Errorw("Unread count failed", "error", err, "receiver_id", receiverID)
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, logger, map[string]int{"unread": count})
		})

		r.Get("/txt/{id}", func(w http.ResponseWriter, r *http.Request) {
			msgID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
			if err != nil {
				http.Error(w, "invalid message id", http.StatusBadRequest)
				return
			}
			receiverID, err := strconv.ParseInt(r.URL.Query().Get("receiver_id"), 10, 64)
			if err != nil {
				http.Error(w, "invalid receiver_id", http.StatusBadRequest)
				return
			}
			txt, err := msgStore.TxtByReceiver(r.Context(), msgID, receiverID)
			if err == store.ErrNotFound {
				http.Error(w, "message not found", http.StatusNotFound)
				return
			}
			if err != nil {
				logger.Errorw("Get txt failed", "error", err, "msg_id", msgID)
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, logger, txt)
		})

		r.Post("/txt/{id}/read", func(w http.ResponseWriter, r *http.Request) {
			msgID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
			if err != nil {
				http.Error(w, "invalid message id", http.StatusBadRequest)
				return
			}
			updated, err := msgStore.MarkTxtRead(r.Context(), msgID, "api")
			if err != nil {
				logger.Errorw("Mark read failed", "error", err, "msg_id", msgID)
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if !updated {
				http.Error(w, "message not found or already read", http.StatusNotFound)
				return
			}
			w.Write([]byte("OK"))
		})
	})
}

// decodeMessage peeks the msg_type tag, builds the matching prototype from
// the registry and unmarshals the full body into it.
func decodeMessage(body io.Reader, reg *message.Registry) (message.Message, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	var probe struct {
		MsgType message.MsgType `json:"msg_type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	msg, ok := reg.ByType(probe.MsgType)
	if !ok {
		return nil, fmt.Errorf("unknown message type %q", probe.MsgType)
	}
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", probe.MsgType, err)
	}
	msg.Base().MsgType = probe.MsgType
	return msg, nil
}

func resolveMessage(w http.ResponseWriter, r *http.Request, handlers *handler.Table) (*handler.Handler, int64, bool) {
	typ := message.MsgType(chi.URLParam(r, "type"))
	h, ok := handlers.ForType(typ)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown message type %q", typ), http.StatusNotFound)
		return nil, 0, false
	}
	msgID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		return nil, 0, false
	}
	return h, msgID, true
}

func writeJSON(w http.ResponseWriter, logger *log.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorw("Failed to encode response", "error", err)
	}
}

func authMiddleware(jwtSecret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				logger.Error("Missing authorization token")
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
				tokenStr = tokenStr[7:]
			}
			token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Errorw("Invalid JWT token", "error", err)
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, token.Claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type claimsKey struct{}
