package channel

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/stellarlinkco/orion/internal/bus"
	"github.com/stellarlinkco/orion/internal/config"
)

//go:embed static
var staticFiles embed.FS

const webUIChannelName = "webui"

type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	id   string
}

// WebUIChannel serves the browser console and its websocket. An optional
// API handler is mounted under /api/.
type WebUIChannel struct {
	BaseChannel
	addr    string
	api     http.Handler
	server  *http.Server
	bound   atomic.Value // string
	clients sync.Map
	nextID  atomic.Int64
}

func NewWebUIChannel(cfg config.WebUIConfig, gwCfg config.GatewayConfig, b *bus.MessageBus, logger *zap.Logger) (*WebUIChannel, error) {
	port := gwCfg.Port
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("webui port %d out of range", port)
	}
	return &WebUIChannel{
		BaseChannel: NewBaseChannel(webUIChannelName, b, cfg.AllowFrom, logger),
		addr:        net.JoinHostPort(gwCfg.Host, fmt.Sprint(port)),
	}, nil
}

// SetAPI mounts h under /api/. Call before Start.
func (w *WebUIChannel) SetAPI(h http.Handler) {
	w.api = h
}

// Addr returns the bound listen address once started.
func (w *WebUIChannel) Addr() string {
	s, _ := w.bound.Load().(string)
	return s
}

func (w *WebUIChannel) Start(ctx context.Context) error {
	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return fmt.Errorf("embed static fs: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(staticFS)))
	mux.HandleFunc("/ws", w.handleWS)
	if w.api != nil {
		mux.Handle("/api/", w.api)
	}

	ln, err := net.Listen("tcp", w.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", w.addr, err)
	}
	w.bound.Store(ln.Addr().String())
	w.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		w.logger.Info("listening", zap.String("addr", ln.Addr().String()))
		if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("server error", zap.Error(err))
		}
	}()
	return nil
}

func (w *WebUIChannel) handleWS(wr http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(wr, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		w.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	clientID := fmt.Sprintf("webui-%d", w.nextID.Add(1))
	w.clients.Store(clientID, &wsClient{conn: conn, id: clientID})
	w.logger.Debug("client connected", zap.String("client", clientID))

	defer func() {
		w.clients.Delete(clientID)
		conn.CloseNow()
		w.logger.Debug("client disconnected", zap.String("client", clientID))
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type != "message" || msg.Content == "" {
			continue
		}
		if !w.IsAllowed(clientID) {
			w.logger.Info("rejected message", zap.String("client", clientID))
			continue
		}

		if !w.publish(r.Context(), bus.InboundMessage{
			Channel:   webUIChannelName,
			SenderID:  clientID,
			ChatID:    clientID,
			Content:   msg.Content,
			Timestamp: time.Now(),
		}) {
			return
		}
	}
}

// Send writes to the client named by ChatID, or to every client when the
// chat is unknown or empty.
func (w *WebUIChannel) Send(msg bus.OutboundMessage) error {
	data, err := json.Marshal(wsMessage{Type: "message", Content: msg.Content})
	if err != nil {
		return err
	}

	if client, ok := w.clients.Load(msg.ChatID); ok {
		return writeClient(client.(*wsClient), data)
	}
	var errs []error
	w.clients.Range(func(_, value any) bool {
		if err := writeClient(value.(*wsClient), data); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	return errors.Join(errs...)
}

func writeClient(c *wsClient, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write to %s: %w", c.id, err)
	}
	return nil
}

func (w *WebUIChannel) Stop() error {
	if w.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.server.Shutdown(ctx); err != nil {
			w.logger.Warn("shutdown error", zap.Error(err))
		}
	}
	w.clients.Range(func(_, value any) bool {
		value.(*wsClient).conn.CloseNow()
		return true
	})
	w.logger.Info("stopped")
	return nil
}
