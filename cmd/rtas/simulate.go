package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"

	"github.com/gekko3d/rtas"
	"github.com/gekko3d/rtas/rt/compose"
	"github.com/gekko3d/rtas/rt/device"
)

// Simulate executes frames headless and writes the composed frame as a BMP.
func Simulate(ctx *cli.Context) error {
	log, devLog := setupLogging(ctx)

	width, height := ctx.Int("width"), ctx.Int("height")
	if width <= 0 || height <= 0 {
		return errors.New("width and height must be positive")
	}
	frames := ctx.Int("frames")
	if frames <= 0 {
		return errors.New("frames must be positive")
	}
	if ctx.Int("rebuild-every") < 0 {
		return errors.New("rebuild-every must not be negative")
	}

	cam, ex, err := loadScene(ctx.String("scene"))
	if err != nil {
		return err
	}
	bundle, err := loadBundle(ctx, log)
	if err != nil {
		return err
	}
	dev, closeDev, err := openDevice(ctx.String("device"), devLog)
	if err != nil {
		return err
	}
	defer closeDev()

	cfg := rtas.DefaultConfig()
	cfg.Build.Interval = uint64(ctx.Int("rebuild-every"))
	cfg.Ring.Contexts = ctx.Int("contexts")
	sub, err := rtas.NewSubsystemBuilder().
		UseProvider(dev).
		UseExtractor(ex).
		UseShaderBundle(bundle).
		UseConfig(cfg).
		UseLogger(log).
		Build()
	if err != nil {
		return err
	}

	c := context.Background()
	if err := sub.Init(c, uint32(width), uint32(height)); err != nil {
		return err
	}
	defer func() {
		if err := sub.Shutdown(c); err != nil {
			log.Errorf("shutdown: %v", err)
		}
	}()

	start := time.Now()
	for i := 0; i < frames; i++ {
		err := sub.Execute(c, rtas.FrameInput{Camera: orbit(cam, i), Time: float32(i) / 60})
		switch {
		case err == nil:
		case device.IsSkip(err):
			log.Debugf("frame %d skipped: %v", i, err)
		default:
			return fmt.Errorf("frame %d: %w", i, err)
		}
	}
	elapsed := time.Since(start)

	frame, err := dev.CreateImage(device.ImageDesc{
		Label:  "frame",
		Width:  uint32(width),
		Height: uint32(height),
		Format: device.FormatRGBA16Float,
		Usage:  device.ImageRenderTarget | device.ImageSampled | device.ImageCopySrc,
	})
	if err != nil {
		return err
	}
	defer frame.Release()

	status, err := sub.Compose(c, frame, uint64(frames))
	if err != nil {
		return err
	}
	if status != compose.Composed {
		log.Warnf("compose: %v, the frame will be black", status)
	}
	pix, err := dev.ReadImage(c, frame)
	if err != nil {
		return err
	}
	out := ctx.String("out")
	if err := writeBMP(out, tonemap(pix, ctx.Float64("exposure"))); err != nil {
		return err
	}
	log.Infof("wrote %s (%dx%d)", out, width, height)

	printStats(os.Stdout, dev.Name(), sub.Stats(), status, elapsed)
	if ctx.GlobalBool("v") || ctx.GlobalBool("vv") {
		fmt.Fprint(os.Stdout, sub.Profiler().GetStatsString())
	}
	return nil
}

func printStats(w io.Writer, deviceName string, st rtas.Stats, status compose.Status, elapsed time.Duration) {
	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Stat", "Value"})

	fps := 0.0
	if elapsed > 0 {
		fps = float64(st.Frames) / elapsed.Seconds()
	}
	rows := [][]string{
		{"device", deviceName},
		{"frames", fmt.Sprint(st.Frames)},
		{"dispatched", fmt.Sprint(st.Dispatched)},
		{"skipped", fmt.Sprint(st.Skipped)},
		{"rebuilds", fmt.Sprintf("%d (%d failed)", st.Rebuilds, st.RebuildFailures)},
		{"generation", fmt.Sprint(st.Generation)},
		{"BLAS", fmt.Sprint(st.BLASCount)},
		{"TLAS", fmt.Sprintf("0x%x", st.TLASAddress)},
		{"rays (frame " + fmt.Sprint(st.Rays.Frame) + ")", fmt.Sprintf("%d hit / %d miss", st.Rays.Hits, st.Rays.Misses)},
		{"fence", fmt.Sprintf("%d / %d", st.Completed, st.Signaled)},
		{"pending releases", fmt.Sprint(st.PendingReleases)},
		{"freed", fmt.Sprint(st.Freed)},
		{"risky resets", fmt.Sprint(st.RiskyResets)},
		{"compose", status.String()},
		{"time", fmt.Sprintf("%s (%.1f fps)", elapsed.Round(time.Millisecond), fps)},
	}
	if st.Failure != nil {
		rows = append(rows, []string{"failure", st.Failure.Error()})
	}
	table.AppendBulk(rows)
	table.Render()
}
