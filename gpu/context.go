package gpu

import (
	"strings"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Context holds the single WebGPU context for the application
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue
	once     sync.Once
	initErr  error
}

var (
	ctx Context
	log = zap.NewNop().Sugar()
)

// SetLogger routes adapter selection messages to l.
func SetLogger(l *zap.SugaredLogger) {
	if l != nil {
		log = l
	}
}

// GetContext returns the singleton GPU context, initializing it if necessary.
// A failed initialization is remembered and returned on every call.
func GetContext() (*Context, error) {
	ctx.once.Do(func() {
		ctx.initErr = initContext(&ctx)
	})
	if ctx.initErr != nil {
		return nil, ctx.initErr
	}
	if ctx.Device == nil || ctx.Queue == nil {
		return nil, errors.New("WebGPU device or queue not initialized")
	}
	return &ctx, nil
}

func initContext(c *Context) error {
	c.Instance = wgpu.CreateInstance(nil)
	if c.Instance == nil {
		return errors.New("failed to create WebGPU instance")
	}

	// Prefer a discrete adapter when one is listed
	for _, a := range c.Instance.EnumerateAdapters(nil) {
		info := a.GetInfo()
		log.Debugw("found adapter", "name", info.Name, "vendor", info.VendorName, "type", info.AdapterType)
		if strings.Contains(strings.ToLower(info.Name), "nvidia") ||
			strings.Contains(strings.ToLower(info.VendorName), "nvidia") {
			c.Adapter = a
			break
		}
	}

	var err error
	for _, opts := range []*wgpu.RequestAdapterOptions{
		{PowerPreference: wgpu.PowerPreferenceHighPerformance},
		{PowerPreference: wgpu.PowerPreferenceLowPower},
		nil,
	} {
		if c.Adapter != nil {
			break
		}
		c.Adapter, err = c.Instance.RequestAdapter(opts)
		if err != nil {
			log.Debugw("adapter request failed, falling back", "error", err)
		}
	}
	if c.Adapter == nil {
		return errors.Wrap(err, "all adapter attempts failed")
	}

	info := c.Adapter.GetInfo()
	log.Infow("using GPU adapter", "name", info.Name, "vendor", info.VendorName)

	c.Device, err = c.Adapter.RequestDevice(nil)
	if err != nil {
		return errors.Wrap(err, "request device")
	}
	c.Queue = c.Device.GetQueue()
	return nil
}
