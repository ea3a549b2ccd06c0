package gpu

import (
	"time"

	"github.com/openfluke/webgpu/wgpu"
	"github.com/pkg/errors"
)

// readTimeout bounds how long ReadBuffer waits for the device.
const readTimeout = 10 * time.Second

// EnsureGPU ensures the GPU context is initialized
func EnsureGPU() error {
	_, err := GetContext()
	return err
}

// NewFloatBuffer creates a buffer with the given float32 data
func NewFloatBuffer(c *Context, label string, data []float32, usage wgpu.BufferUsage) (*wgpu.Buffer, error) {
	buf, err := c.Device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Label:    label,
		Contents: wgpu.ToBytes(data),
		Usage:    usage,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create buffer %s", label)
	}
	return buf, nil
}

// ReadBuffer copies size floats out of buffer through a staging buffer.
func ReadBuffer(c *Context, buffer *wgpu.Buffer, size int) ([]float32, error) {
	sizeBytes := uint64(size * 4)
	stagingBuf, err := c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "ReadStaging",
		Size:  sizeBytes,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create staging buffer")
	}
	defer stagingBuf.Destroy()

	encoder, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create command encoder")
	}
	encoder.CopyBufferToBuffer(buffer, 0, stagingBuf, 0, sizeBytes)
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to finish command")
	}
	c.Queue.Submit(cmd)

	done := make(chan struct{})
	var mapErr error
	err = stagingBuf.MapAsync(wgpu.MapModeRead, 0, sizeBytes, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = errors.Errorf("map failed: %v", status)
		}
		close(done)
	})
	if err != nil {
		return nil, errors.Wrap(err, "MapAsync failed")
	}

	// Poll without blocking so a stuck device hits the timeout
	timeout := time.After(readTimeout)
Loop:
	for {
		c.Device.Poll(false, nil)
		select {
		case <-done:
			break Loop
		case <-timeout:
			return nil, errors.Errorf("ReadBuffer timed out after %s", readTimeout)
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if mapErr != nil {
		return nil, mapErr
	}

	data := stagingBuf.GetMappedRange(0, uint(sizeBytes))
	if data == nil {
		return nil, errors.New("failed to get mapped range")
	}
	result := make([]float32, size)
	copy(result, wgpu.FromBytes[float32](data))
	stagingBuf.Unmap()

	return result, nil
}
