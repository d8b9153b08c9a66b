package Adhoc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const TimeOutSeconds = 5

type Config struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Host     string        `yaml:"host" json:"host"`
	Port     int           `yaml:"port" json:"port"`
	Interval time.Duration `yaml:"interval" json:"interval"`
}

func DefaultConfig() Config {
	return Config{Port: 8000, Interval: TimeOutSeconds * time.Second}
}

func (c *Config) Validate() []string {
	if !c.Enabled {
		return nil
	}
	var problems []string
	if c.Host == "" {
		problems = append(problems, "registry.host cannot be empty when the registry is enabled")
	}
	if c.Port <= 0 || c.Port > 65535 {
		problems = append(problems, "registry.port must be between 1 and 65535")
	}
	if c.Interval <= 0 {
		problems = append(problems, "registry.interval must be positive")
	}
	return problems
}

type RegisterRequest struct {
	Id        string `json:"id"`
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	StreamURL string `json:"streamURL"`
	State     string `json:"state"`
	TimeStamp int64  `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

// Heartbeat announces this node to the registration server.
type Heartbeat struct {
	Id     string
	IP     string
	Port   int
	Addr   string
	Period time.Duration
	// State reports the current stream state for each beat.
	State   func() string
	Observe func(ok bool)

	client *resty.Client
	log    *zap.Logger
}

func NewHeartbeat(cfg Config, ip string, port int, state func() string, log *zap.Logger) *Heartbeat {
	if log == nil {
		log = zap.NewNop()
	}
	if state == nil {
		state = func() string { return "" }
	}
	return &Heartbeat{
		Id:     uuid.NewString(),
		IP:     ip,
		Port:   port,
		Addr:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Period: cfg.Interval,
		State:  state,
		client: resty.New().SetTimeout(TimeOutSeconds * time.Second),
		log:    log,
	}
}

func (h *Heartbeat) request() RegisterRequest {
	return RegisterRequest{
		Id:        h.Id,
		IP:        h.IP,
		Port:      h.Port,
		StreamURL: fmt.Sprintf("http://%s/video_feed", net.JoinHostPort(h.IP, fmt.Sprint(h.Port))),
		State:     h.State(),
		TimeStamp: time.Now().Unix(),
	}
}

// Send posts one heartbeat.
func (h *Heartbeat) Send(ctx context.Context) error {
	var respBody RegisterResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(h.request()).
		SetResult(&respBody).
		Post(fmt.Sprintf("http://%s/api/register", h.Addr))
	if err != nil {
		return errors.Wrap(err, "register request")
	}
	if resp.IsError() {
		return errors.Newf("server returned error: %s, body: %s", resp.Status(), resp.String())
	}
	return nil
}

func (h *Heartbeat) safeSend(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error(fmt.Sprintf("heartbeat panic recovered: %v", r))
		}
	}()
	err := h.Send(ctx)
	if h.Observe != nil {
		h.Observe(err == nil)
	}
	if err != nil && ctx.Err() == nil {
		h.log.Warn("heartbeat failed", zap.String("addr", h.Addr), zap.Error(err))
	}
}

// Run beats immediately and then every Period until ctx is done.
func (h *Heartbeat) Run(ctx context.Context) {
	period := h.Period
	if period <= 0 {
		period = TimeOutSeconds * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	h.safeSend(ctx)
	for {
		select {
		case <-ctx.Done():
			h.log.Info("heartbeat stopped")
			return
		case <-ticker.C:
			h.safeSend(ctx)
		}
	}
}

// GetOutboundIP returns the local address used to reach the default route.
// No packet is sent.
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}
