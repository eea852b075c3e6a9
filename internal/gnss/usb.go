package gnss

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/teslashibe/go-wayfind/internal/geo"
	"github.com/teslashibe/go-wayfind/internal/position"
)

// Default USB identifiers (u-blox 8/M8 receivers in CDC-ACM mode)
const (
	DefaultVendorID  = 0x1546
	DefaultProductID = 0x01A8
)

// USBSourceConfig configures the USB GNSS source
type USBSourceConfig struct {
	VendorID  uint16
	ProductID uint16

	// Config, Interface and Endpoint select the bulk IN endpoint carrying NMEA.
	// For CDC-ACM receivers this is the data interface, not the control one.
	Config    int
	Interface int
	Endpoint  int

	MaxConsecutiveErrors int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
}

// DefaultUSBSourceConfig returns sensible defaults
func DefaultUSBSourceConfig() USBSourceConfig {
	return USBSourceConfig{
		VendorID:             DefaultVendorID,
		ProductID:            DefaultProductID,
		Config:               1,
		Interface:            1,
		Endpoint:             2,
		MaxConsecutiveErrors: 5,
		InitialBackoff:       100 * time.Millisecond,
		MaxBackoff:           5 * time.Second,
	}
}

// USBSource reads NMEA sentences from a GNSS receiver over a USB bulk endpoint
type USBSource struct {
	cfg    USBSourceConfig
	logger *slog.Logger

	readMu  sync.Mutex
	reader  *endpointReader
	decoder *Decoder

	mu     sync.Mutex
	ctx    *gousb.Context
	dev    *gousb.Device
	conf   *gousb.Config
	intf   *gousb.Interface
	closed bool

	// Health tracking
	healthy           bool
	consecutiveErrors int
	lastError         error
	lastErrorTime     time.Time
	fixes             uint64

	// Reconnection
	reconnectBackoff time.Duration
}

// NewUSBSource opens the receiver described by cfg
func NewUSBSource(cfg USBSourceConfig, logger *slog.Logger) (*USBSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = DefaultUSBSourceConfig().MaxConsecutiveErrors
	}

	source := &USBSource{
		cfg:              cfg,
		logger:           logger,
		healthy:          true,
		reconnectBackoff: cfg.InitialBackoff,
	}

	source.ctx = gousb.NewContext()

	source.mu.Lock()
	err := source.openDevice()
	source.mu.Unlock()
	if err != nil {
		source.ctx.Close()
		return nil, err
	}

	logger.Info("USB GNSS source initialized",
		"vendor_id", fmt.Sprintf("0x%04X", cfg.VendorID),
		"product_id", fmt.Sprintf("0x%04X", cfg.ProductID),
		"endpoint", cfg.Endpoint,
	)

	return source, nil
}

// openDevice must be called with mu held
func (u *USBSource) openDevice() error {
	dev, err := u.ctx.OpenDeviceWithVIDPID(gousb.ID(u.cfg.VendorID), gousb.ID(u.cfg.ProductID))
	if err != nil {
		return fmt.Errorf("failed to open GNSS receiver: %w", err)
	}
	if dev == nil {
		return fmt.Errorf("GNSS receiver not found (VID=0x%04X PID=0x%04X)", u.cfg.VendorID, u.cfg.ProductID)
	}

	// The kernel cdc_acm driver usually owns the data interface
	if err := dev.SetAutoDetach(true); err != nil {
		u.logger.Debug("SetAutoDetach failed (non-fatal)", "error", err)
	}

	conf, err := dev.Config(u.cfg.Config)
	if err != nil {
		dev.Close()
		return fmt.Errorf("select config %d: %w", u.cfg.Config, err)
	}

	intf, err := conf.Interface(u.cfg.Interface, 0)
	if err != nil {
		conf.Close()
		dev.Close()
		return fmt.Errorf("claim interface %d: %w", u.cfg.Interface, err)
	}

	ep, err := intf.InEndpoint(u.cfg.Endpoint)
	if err != nil {
		intf.Close()
		conf.Close()
		dev.Close()
		return fmt.Errorf("open endpoint %d: %w", u.cfg.Endpoint, err)
	}

	u.dev = dev
	u.conf = conf
	u.intf = intf
	u.healthy = true
	u.consecutiveErrors = 0

	u.readMu.Lock()
	u.reader = newEndpointReader(ep, ep.Desc.MaxPacketSize)
	u.decoder = NewDecoder(u.reader)
	u.readMu.Unlock()

	return nil
}

// closeDevice must be called with mu held
func (u *USBSource) closeDevice() {
	if u.intf != nil {
		u.intf.Close()
		u.intf = nil
	}
	if u.conf != nil {
		u.conf.Close()
		u.conf = nil
	}
	if u.dev != nil {
		u.dev.Close()
		u.dev = nil
	}
}

// Next blocks until the receiver reports the next fix
func (u *USBSource) Next(ctx context.Context) (geo.Fix, error) {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return geo.Fix{}, position.ErrSourceClosed
	}
	if u.dev == nil {
		if err := u.reconnect(ctx); err != nil {
			u.mu.Unlock()
			return geo.Fix{}, err
		}
	}
	u.mu.Unlock()

	u.readMu.Lock()
	u.reader.ctx = ctx
	fix, err := u.decoder.Next()
	if err != nil {
		// bufio.Scanner stops for good after an error
		u.decoder = NewDecoder(u.reader)
	}
	u.readMu.Unlock()

	u.mu.Lock()
	defer u.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return geo.Fix{}, ctx.Err()
		}
		if u.closed {
			return geo.Fix{}, position.ErrSourceClosed
		}
		u.recordError(err)
		return geo.Fix{}, fmt.Errorf("USB read failed: %w", err)
	}

	u.recordSuccess()
	u.fixes++
	return fix, nil
}

// recordError must be called with mu held
func (u *USBSource) recordError(err error) {
	u.consecutiveErrors++
	u.lastError = err
	u.lastErrorTime = time.Now()

	if u.consecutiveErrors >= u.cfg.MaxConsecutiveErrors {
		u.healthy = false
		u.logger.Warn("USB GNSS source marked unhealthy, will attempt reconnect",
			"consecutive_errors", u.consecutiveErrors,
			"last_error", err,
		)

		// Force reconnect on next call
		u.closeDevice()
	}
}

func (u *USBSource) recordSuccess() {
	if u.consecutiveErrors > 0 {
		u.logger.Info("USB GNSS source recovered",
			"previous_errors", u.consecutiveErrors,
		)
	}
	u.consecutiveErrors = 0
	u.healthy = true
	u.reconnectBackoff = u.cfg.InitialBackoff
}

// reconnect must be called with mu held
func (u *USBSource) reconnect(ctx context.Context) error {
	u.logger.Info("attempting USB reconnect",
		"backoff", u.reconnectBackoff,
	)

	timer := time.NewTimer(u.reconnectBackoff)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
	}

	u.reconnectBackoff *= 2
	if u.reconnectBackoff > u.cfg.MaxBackoff {
		u.reconnectBackoff = u.cfg.MaxBackoff
	}

	if err := u.openDevice(); err != nil {
		u.logger.Warn("USB reconnect failed", "error", err)
		return err
	}

	u.logger.Info("USB reconnect successful")
	return nil
}

// Close releases the USB device
func (u *USBSource) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return nil
	}
	u.closed = true

	u.closeDevice()
	if u.ctx != nil {
		u.ctx.Close()
		u.ctx = nil
	}

	u.logger.Info("USB GNSS source closed")
	return nil
}

// Healthy returns true if the source is operational
func (u *USBSource) Healthy() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.healthy && !u.closed
}

// Name returns the source type name
func (u *USBSource) Name() string {
	return "usb"
}

// Stats returns USB source statistics
func (u *USBSource) Stats() USBStats {
	u.mu.Lock()
	defer u.mu.Unlock()

	var lastErr string
	if u.lastError != nil {
		lastErr = u.lastError.Error()
	}

	return USBStats{
		Healthy:           u.healthy,
		ConsecutiveErrors: u.consecutiveErrors,
		LastError:         lastErr,
		LastErrorTime:     u.lastErrorTime,
		DeviceConnected:   u.dev != nil,
		Fixes:             u.fixes,
	}
}

// USBStats contains USB source statistics
type USBStats struct {
	Healthy           bool      `json:"healthy"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastError         string    `json:"last_error,omitempty"`
	LastErrorTime     time.Time `json:"last_error_time,omitempty"`
	DeviceConnected   bool      `json:"device_connected"`
	Fixes             uint64    `json:"fixes"`
}

// endpointReader adapts a bulk IN endpoint to io.Reader. Transfers are
// packet sized, so reads go through an internal buffer.
type endpointReader struct {
	ep      bulkReader
	ctx     context.Context
	buf     []byte
	pending []byte
}

type bulkReader interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

func newEndpointReader(ep bulkReader, maxPacket int) *endpointReader {
	if maxPacket <= 0 {
		maxPacket = 64
	}
	return &endpointReader{
		ep:  ep,
		ctx: context.Background(),
		buf: make([]byte, maxPacket*8),
	}
}

func (r *endpointReader) Read(p []byte) (int, error) {
	// Zero length packets are skipped
	for len(r.pending) == 0 {
		n, err := r.ep.ReadContext(r.ctx, r.buf)
		if err != nil {
			return 0, err
		}
		r.pending = r.buf[:n]
	}

	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}
