package data

import (
	"bufio"
	"image"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"io"
	"math"
	"path"
	"strings"
	"sync"

	"github.com/openfluke/tomnet/nn"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"golang.org/x/image/draw"
)

// ListOptions configure a ListDataset.
type ListOptions struct {
	DataDir   string
	TrainList string
	ValList   string
	Batch     int
	// Images are rescaled to ScaleH×ScaleW, then center-cropped.
	ScaleH, ScaleW int
	CropH, CropW   int
	Trimap         bool
	Workers        int
}

// ListDataset reads samples named by list files. Every non-empty line
// holds paths relative to DataDir:
//
//	ref.png tar.png mask.png rho.png flow.flo [trimap.png]
type ListDataset struct {
	fs    afero.Fs
	opts  ListOptions
	lists map[string][]entry
}

type entry struct {
	ref, tar, mask, rho, flow, trimap string
}

// NewListDataset reads both list files.
func NewListDataset(fs afero.Fs, opts ListOptions) (*ListDataset, error) {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	d := &ListDataset{fs: fs, opts: opts, lists: make(map[string][]entry)}
	for split, name := range map[string]string{SplitTrain: opts.TrainList, SplitVal: opts.ValList} {
		entries, err := d.readList(path.Join(opts.DataDir, name), opts.Trimap)
		if err != nil {
			return nil, errors.Wrapf(err, "%s list", split)
		}
		d.lists[split] = entries
	}
	return d, nil
}

func (d *ListDataset) readList(name string, trimap bool) ([]entry, error) {
	f, err := d.fs.Open(name)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	var entries []entry
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if len(fields) < 5 || (trimap && len(fields) < 6) {
			return nil, errors.Errorf("%s:%d: expected ref tar mask rho flow [trimap], got %d fields", name, line, len(fields))
		}
		e := entry{ref: fields[0], tar: fields[1], mask: fields[2], rho: fields[3], flow: fields[4]}
		if trimap {
			e.trimap = fields[5]
		}
		entries = append(entries, e)
	}
	return entries, errors.WithStack(scanner.Err())
}

func (d *ListDataset) BatchSize() int { return d.opts.Batch }

func (d *ListDataset) NumBatches(split string, maxItems int) int {
	return numBatches(capItems(len(d.lists[split]), maxItems), d.opts.Batch)
}

// Run starts Workers goroutines that decode items ahead of the consumer.
// Batches come out in list order.
func (d *ListDataset) Run(split string, maxItems int) (Iterator, error) {
	entries, ok := d.lists[split]
	if !ok {
		return nil, &UnknownSplitError{Split: split}
	}
	entries = entries[:capItems(len(entries), maxItems)]
	return newPrefetcher(entries, d.opts.Batch, d.opts.Workers, d.load), nil
}

// load decodes one list entry into a single-item sample.
func (d *ListDataset) load(e entry) (*Sample, error) {
	o := d.opts
	read := func(name string, channels int) (*nn.Tensor, error) {
		img, err := d.decodeImage(path.Join(o.DataDir, name))
		if err != nil {
			return nil, err
		}
		return centerCrop(imageToTensor(resizeImage(img, o.ScaleW, o.ScaleH), channels), o.CropH, o.CropW), nil
	}

	s := &Sample{}
	var err error
	if s.Ref, err = read(e.ref, 3); err != nil {
		return nil, err
	}
	if s.Tar, err = read(e.tar, 3); err != nil {
		return nil, err
	}
	if s.Mask, err = read(e.mask, 1); err != nil {
		return nil, err
	}
	if s.Rho, err = read(e.rho, 1); err != nil {
		return nil, err
	}
	if e.trimap != "" {
		if s.Trimap, err = read(e.trimap, 1); err != nil {
			return nil, err
		}
		// stored as 0, 128, 255
		for i, v := range s.Trimap.Data {
			s.Trimap.Data[i] = float32(math.Round(float64(v) * 2))
		}
	}

	f, err := d.fs.Open(path.Join(o.DataDir, e.flow))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	flow, err := ReadFlo(f)
	if err != nil {
		return nil, errors.Wrap(err, e.flow)
	}
	s.Flow = centerCrop(withValidity(resizeFlow(flow, o.ScaleH, o.ScaleW)), o.CropH, o.CropW)
	return s, errors.Wrap(s.Validate(), e.ref)
}

func (d *ListDataset) decodeImage(name string) (image.Image, error) {
	f, err := d.fs.Open(name)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, errors.Wrap(err, name)
}

func resizeImage(img image.Image, w, h int) image.Image {
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// imageToTensor converts to values in [0, 1]. One channel uses luminance.
func imageToTensor(img image.Image, channels int) *nn.Tensor {
	b := img.Bounds()
	t := nn.NewTensor(1, channels, b.Dy(), b.Dx())
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			if channels == 1 {
				t.Set(0, 0, y, x, float32(0.299*float64(r)+0.587*float64(g)+0.114*float64(bl))/65535)
				continue
			}
			t.Set(0, 0, y, x, float32(r)/65535)
			t.Set(0, 1, y, x, float32(g)/65535)
			t.Set(0, 2, y, x, float32(bl)/65535)
		}
	}
	return t
}

// resizeFlow resamples u and v bilinearly and rescales their magnitudes to
// the new pixel grid.
func resizeFlow(flow *nn.Tensor, h, w int) *nn.Tensor {
	if flow.H == h && flow.W == w {
		return flow
	}
	out := nn.NewTensor(flow.N, flow.C, h, w)
	sy, sx := float64(flow.H)/float64(h), float64(flow.W)/float64(w)
	for nc := 0; nc < flow.N*flow.C; nc++ {
		k := float32(1 / sx)
		if nc%flow.C == 1 {
			k = float32(1 / sy)
		}
		src := flow.Data[nc*flow.Plane() : (nc+1)*flow.Plane()]
		dst := out.Data[nc*out.Plane() : (nc+1)*out.Plane()]
		for y := 0; y < h; y++ {
			fy := math.Max(0, (float64(y)+0.5)*sy-0.5)
			y0 := int(fy)
			y1 := minInt(y0+1, flow.H-1)
			ty := float32(fy - float64(y0))
			for x := 0; x < w; x++ {
				fx := math.Max(0, (float64(x)+0.5)*sx-0.5)
				x0 := int(fx)
				x1 := minInt(x0+1, flow.W-1)
				tx := float32(fx - float64(x0))
				top := src[y0*flow.W+x0] + tx*(src[y0*flow.W+x1]-src[y0*flow.W+x0])
				bottom := src[y1*flow.W+x0] + tx*(src[y1*flow.W+x1]-src[y1*flow.W+x0])
				dst[y*w+x] = k * (top + ty*(bottom-top))
			}
		}
	}
	return out
}

func centerCrop(t *nn.Tensor, h, w int) *nn.Tensor {
	if t.H == h && t.W == w {
		return t
	}
	top, left := (t.H-h)/2, (t.W-w)/2
	out := nn.NewTensor(t.N, t.C, h, w)
	for nc := 0; nc < t.N*t.C; nc++ {
		for y := 0; y < h; y++ {
			src := t.Data[nc*t.Plane()+(top+y)*t.W+left:]
			copy(out.Data[nc*out.Plane()+y*w:nc*out.Plane()+(y+1)*w], src[:w])
		}
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// prefetcher decodes items on worker goroutines. A window of tokens bounds
// how far the workers run ahead of Next.
type prefetcher struct {
	slots  []chan loaded
	batch  int
	next   int
	window chan struct{}
	done   chan struct{}
	once   sync.Once
}

type loaded struct {
	s   *Sample
	err error
}

func newPrefetcher(entries []entry, batch, workers int, load func(entry) (*Sample, error)) *prefetcher {
	p := &prefetcher{
		slots:  make([]chan loaded, len(entries)),
		batch:  batch,
		window: make(chan struct{}, workers*batch*2),
		done:   make(chan struct{}),
	}
	for i := range p.slots {
		p.slots[i] = make(chan loaded, 1)
	}

	jobs := make(chan int)
	go func() {
		defer close(jobs)
		for i := range entries {
			select {
			case p.window <- struct{}{}:
			case <-p.done:
				return
			}
			select {
			case jobs <- i:
			case <-p.done:
				return
			}
		}
	}()
	for w := 0; w < workers; w++ {
		go func() {
			for i := range jobs {
				s, err := load(entries[i])
				p.slots[i] <- loaded{s: s, err: err}
			}
		}()
	}
	return p
}

func (p *prefetcher) Next() (*Sample, error) {
	if p.next >= len(p.slots) {
		return nil, io.EOF
	}
	end := minInt(p.next+p.batch, len(p.slots))
	items := make([]*Sample, 0, end-p.next)
	for ; p.next < end; p.next++ {
		r := <-p.slots[p.next]
		<-p.window
		if r.err != nil {
			p.Close()
			return nil, r.err
		}
		items = append(items, r.s)
	}
	return Stack(items)
}

// Close stops the workers after their current item.
func (p *prefetcher) Close() {
	p.once.Do(func() { close(p.done) })
}
