package gpu

import (
	"fmt"
	"sync"

	"github.com/openfluke/tomnet/nn"
	"github.com/openfluke/webgpu/wgpu"
	"github.com/pkg/errors"
)

// maxBindingBytes is the default WebGPU storage binding limit. Larger
// convolutions are left to the CPU.
const maxBindingBytes = 128 << 20

// maxGroupsX is the per-dimension workgroup dispatch limit.
const maxGroupsX = 65535

// Conv2DSpec is the static shape of one convolution. Kernels are compiled
// per Conv2DSpec and cached.
type Conv2DSpec struct {
	Batch       int
	InChannels  int
	OutChannels int
	KernelSize  int
	Stride      int
	Padding     int
	InputHeight int
	InputWidth  int
}

func (s Conv2DSpec) outputSize() (int, int) {
	h := (s.InputHeight+2*s.Padding-s.KernelSize)/s.Stride + 1
	w := (s.InputWidth+2*s.Padding-s.KernelSize)/s.Stride + 1
	return h, w
}

func (s Conv2DSpec) outputLen() int {
	h, w := s.outputSize()
	return s.Batch * s.OutChannels * h * w
}

func (s Conv2DSpec) inputLen() int {
	return s.Batch * s.InChannels * s.InputHeight * s.InputWidth
}

// dispatch returns the workgroup grid and the number of invocations per grid row.
func (s Conv2DSpec) dispatch() (x, y, rowStride uint32) {
	groups := (s.outputLen() + 255) / 256
	gx := groups
	if gx > maxGroupsX {
		gx = maxGroupsX
	}
	gy := (groups + gx - 1) / gx
	return uint32(gx), uint32(gy), uint32(gx * 256)
}

// GenerateShader emits a batched NCHW convolution, one invocation per output
// element.
func (s Conv2DSpec) GenerateShader() string {
	outH, outW := s.outputSize()
	_, _, rowStride := s.dispatch()

	return fmt.Sprintf(`
		@group(0) @binding(0) var<storage, read> input : array<f32>;
		@group(0) @binding(1) var<storage, read> weights : array<f32>;
		@group(0) @binding(2) var<storage, read> bias : array<f32>;
		@group(0) @binding(3) var<storage, read_write> output : array<f32>;

		const IN_H: u32 = %du;
		const IN_W: u32 = %du;
		const IN_CH: u32 = %du;
		const OUT_CH: u32 = %du;
		const K: u32 = %du;
		const STRIDE: u32 = %du;
		const PADDING: u32 = %du;
		const OUT_H: u32 = %du;
		const OUT_W: u32 = %du;
		const TOTAL: u32 = %du;
		const ROW: u32 = %du;

		@compute @workgroup_size(256)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let idx = gid.x + gid.y * ROW;
			if (idx >= TOTAL) { return; }

			// Output layout: [N, C, H, W]
			let out_w = idx %% OUT_W;
			let out_h = (idx / OUT_W) %% OUT_H;
			let out_c = (idx / (OUT_W * OUT_H)) %% OUT_CH;
			let n = idx / (OUT_W * OUT_H * OUT_CH);

			var sum: f32 = bias[out_c];

			for (var in_c: u32 = 0u; in_c < IN_CH; in_c++) {
				let in_base = (n * IN_CH + in_c) * IN_H * IN_W;
				let w_base = (out_c * IN_CH + in_c) * K * K;
				for (var kh: u32 = 0u; kh < K; kh++) {
					let in_h = i32(out_h * STRIDE + kh) - i32(PADDING);
					if (in_h < 0 || u32(in_h) >= IN_H) { continue; }
					for (var kw: u32 = 0u; kw < K; kw++) {
						let in_w = i32(out_w * STRIDE + kw) - i32(PADDING);
						if (in_w < 0 || u32(in_w) >= IN_W) { continue; }
						sum += input[in_base + u32(in_h) * IN_W + u32(in_w)] * weights[w_base + kh * K + kw];
					}
				}
			}

			output[idx] = sum;
		}
	`, s.InputHeight, s.InputWidth, s.InChannels, s.OutChannels,
		s.KernelSize, s.Stride, s.Padding, outH, outW, s.outputLen(), rowStride)
}

// Conv2DAccelerator runs convolution forward passes on the GPU. It
// implements nn.ConvAccelerator.
type Conv2DAccelerator struct {
	ctx *Context

	mu        sync.Mutex
	pipelines map[Conv2DSpec]*wgpu.ComputePipeline
}

// NewConv2DAccelerator initializes the device. It fails when no adapter is
// available.
func NewConv2DAccelerator() (*Conv2DAccelerator, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	return &Conv2DAccelerator{ctx: c, pipelines: make(map[Conv2DSpec]*wgpu.ComputePipeline)}, nil
}

func (a *Conv2DAccelerator) pipeline(spec Conv2DSpec) (*wgpu.ComputePipeline, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.pipelines[spec]; ok {
		return p, nil
	}
	label := fmt.Sprintf("Conv2D_%dx%dx%dx%d_k%d_s%d", spec.Batch, spec.InChannels, spec.InputHeight, spec.InputWidth, spec.KernelSize, spec.Stride)
	mod, err := a.ctx.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          label + "_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: spec.GenerateShader()},
	})
	if err != nil {
		return nil, errors.Wrap(err, "compile conv2d shader")
	}
	p, err := a.ctx.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   label + "_Pipe",
		Compute: wgpu.ProgrammableStageDescriptor{Module: mod, EntryPoint: "main"},
	})
	if err != nil {
		return nil, errors.Wrap(err, "create conv2d pipeline")
	}
	a.pipelines[spec] = p
	log.Debugw("compiled conv2d pipeline", "label", label)
	return p, nil
}

// Conv2DForward computes one convolution. x is N×C×H×W, w is F×C×K×K and
// b (optional) holds F values.
func (a *Conv2DAccelerator) Conv2DForward(x, w, b *nn.Tensor, stride, padding int) (*nn.Tensor, error) {
	spec := Conv2DSpec{
		Batch:       x.N,
		InChannels:  x.C,
		OutChannels: w.N,
		KernelSize:  w.H,
		Stride:      stride,
		Padding:     padding,
		InputHeight: x.H,
		InputWidth:  x.W,
	}
	if spec.inputLen()*4 > maxBindingBytes || spec.outputLen()*4 > maxBindingBytes {
		return nil, errors.Errorf("conv2d of %s exceeds the storage binding limit", x)
	}
	pipe, err := a.pipeline(spec)
	if err != nil {
		return nil, err
	}

	bias := make([]float32, spec.OutChannels)
	if b != nil {
		copy(bias, b.Data)
	}
	storage := wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst
	var bufs []*wgpu.Buffer
	defer func() {
		for _, buf := range bufs {
			buf.Destroy()
		}
	}()
	upload := func(label string, data []float32) (*wgpu.Buffer, error) {
		buf, err := NewFloatBuffer(a.ctx, label, data, storage)
		if err == nil {
			bufs = append(bufs, buf)
		}
		return buf, err
	}
	inBuf, err := upload("Conv2D_In", x.Data)
	if err != nil {
		return nil, err
	}
	wBuf, err := upload("Conv2D_W", w.Data)
	if err != nil {
		return nil, err
	}
	bBuf, err := upload("Conv2D_B", bias)
	if err != nil {
		return nil, err
	}
	outBuf, err := a.ctx.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "Conv2D_Out",
		Size:  uint64(spec.outputLen() * 4),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create conv2d output buffer")
	}
	bufs = append(bufs, outBuf)

	bindGroup, err := a.ctx.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "Conv2D_Bind",
		Layout: pipe.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: inBuf, Size: inBuf.GetSize()},
			{Binding: 1, Buffer: wBuf, Size: wBuf.GetSize()},
			{Binding: 2, Buffer: bBuf, Size: bBuf.GetSize()},
			{Binding: 3, Buffer: outBuf, Size: outBuf.GetSize()},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "create conv2d bind group")
	}
	defer bindGroup.Release()

	enc, err := a.ctx.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, errors.Wrap(err, "create command encoder")
	}
	gx, gy, _ := spec.dispatch()
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(pipe)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(gx, gy, 1)
	pass.End()
	cmd, err := enc.Finish(nil)
	if err != nil {
		return nil, errors.Wrap(err, "finish conv2d commands")
	}
	a.ctx.Queue.Submit(cmd)

	data, err := ReadBuffer(a.ctx, outBuf, spec.outputLen())
	if err != nil {
		return nil, err
	}
	outH, outW := spec.outputSize()
	return nn.NewTensorFrom(data, spec.Batch, spec.OutChannels, outH, outW), nil
}

// Release frees the cached pipelines.
func (a *Conv2DAccelerator) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, p := range a.pipelines {
		p.Release()
		delete(a.pipelines, k)
	}
}
