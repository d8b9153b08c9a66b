package server

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"net/http"
	"time"

	"PiCamDetServer/camera"
	iface "PiCamDetServer/interface"
	"PiCamDetServer/monitor"
	"PiCamDetServer/stream"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

//go:embed index.html
var indexHTML []byte

const boundary = "frame"

type StatusSource interface {
	Status() stream.Status
}

type StatsCollector interface {
	Collect(ctx context.Context) (monitor.HostStats, error)
}

// App holds everything the handlers need. There is no package state.
type App struct {
	Broadcaster *stream.Broadcaster
	Loop        StatusSource
	Host        StatsCollector
	Camera      camera.Config
	Detector    iface.EngineConfig
	Log         *zap.Logger

	// SnapshotTimeout bounds /snapshot.jpg while waiting for a frame.
	SnapshotTimeout time.Duration
	// WriteTimeout bounds a single websocket write.
	WriteTimeout time.Duration

	upgrader websocket.Upgrader
}

func New(b *stream.Broadcaster, loop StatusSource, host StatsCollector, log *zap.Logger) *App {
	if log == nil {
		log = zap.NewNop()
	}
	return &App{
		Broadcaster:     b,
		Loop:            loop,
		Host:            host,
		Log:             log,
		SnapshotTimeout: 5 * time.Second,
		WriteTimeout:    5 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (a *App) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), a.accessLog())
	r.GET("/", a.index)
	r.GET("/video_feed", a.videoFeed)
	r.GET("/stats", a.stats)
	r.GET("/snapshot.jpg", a.snapshot)
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/status", a.status)
	r.GET("/ws/detections", a.detections)
	return r
}

func (a *App) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.Log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client", c.ClientIP()),
		)
	}
}

func (a *App) index(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
}

func writePart(w io.Writer, p *stream.Packet) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n", boundary, p.ContentType, len(p.Data)); err != nil {
		return err
	}
	if _, err := w.Write(p.Data); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// videoFeed subscribes the connection to the broadcaster until the client
// goes away or the broadcaster closes.
func (a *App) videoFeed(c *gin.Context) {
	id := uuid.NewString()
	sub := a.Broadcaster.Subscribe(id)
	defer sub.Close()
	log := a.Log.With(zap.String("viewer", id), zap.String("client", c.ClientIP()))
	log.Info("viewer connected", zap.Int("viewers", a.Broadcaster.Subscribers()))

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Pragma", "no-cache")
	c.Header("Connection", "close")
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		p, err := sub.Next(ctx)
		if err != nil {
			return false
		}
		return writePart(w, p) == nil
	})
	log.Info("viewer disconnected", zap.Uint64("drops", sub.Drops()))
}

func (a *App) stats(c *gin.Context) {
	st, err := a.Host.Collect(c.Request.Context())
	if err != nil {
		a.Log.Warn("collect host stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (a *App) snapshot(c *gin.Context) {
	sub := a.Broadcaster.Subscribe("snapshot-" + uuid.NewString())
	defer sub.Close()
	ctx, cancel := context.WithTimeout(c.Request.Context(), a.SnapshotTimeout)
	defer cancel()
	p, err := sub.Next(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no frame available"})
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Frame-Seq", fmt.Sprint(p.Seq))
	c.Data(http.StatusOK, p.ContentType, p.Data)
}

func (a *App) status(c *gin.Context) {
	st := a.Broadcaster.Stats()
	body := gin.H{
		"viewers":   len(st.Subscribers),
		"published": st.Published,
		"dropped":   st.Drops,
		"camera":    a.Camera,
		"detector":  a.Detector,
	}
	if a.Loop != nil {
		body["stream"] = a.Loop.Status()
	}
	c.JSON(http.StatusOK, body)
}

// detections pushes one JSON message per produced packet. Image bytes are
// not included.
func (a *App) detections(c *gin.Context) {
	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sub := a.Broadcaster.Subscribe("ws-" + uuid.NewString())
	defer sub.Close()
	for {
		p, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, stream.ErrClosed) {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			}
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(a.WriteTimeout))
		if err := conn.WriteJSON(p); err != nil {
			return
		}
	}
}

// Run serves on addr until ctx is done.
func (a *App) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		a.Log.Info("http listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return errors.Wrap(err, "http shutdown")
	}
	return nil
}
