package hailo

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	iface "PiCamDetServer/interface"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue(t *testing.T) {
	assert.Equal(t, "queue name=q1 leaky=no max-size-buffers=3 max-size-bytes=0 max-size-time=0", Queue("q1"))
	assert.Contains(t, QueueSized("q2", 20), "max-size-buffers=20")
}

func TestSourcePipeline(t *testing.T) {
	tests := []struct {
		source string
		head   string
	}{
		{"rpi", "libcamerasrc name=source ! video/x-raw, format=RGB, width=1280, height=720"},
		{"/dev/video0", "v4l2src device=/dev/video0 name=source ! image/jpeg, framerate=30/1"},
		{"clip.mp4", `filesrc location="clip.mp4" name=source`},
	}
	for _, tc := range tests {
		t.Run(tc.source, func(t *testing.T) {
			p := SourcePipeline(tc.source, 1280, 720, 30)
			assert.True(t, strings.HasPrefix(p, tc.head), p)
			assert.True(t, strings.HasSuffix(p, "video/x-raw, pixel-aspect-ratio=1/1, format=RGB, width=1280, height=720"), p)
		})
	}
}

func TestInferencePipeline(t *testing.T) {
	p := InferencePipeline(InferenceParams{
		Name:           "det",
		HEFPath:        "/r/yolov8n.hef",
		PostProcessSO:  "/r/post.so",
		PostFunction:   "filter_letterbox",
		BatchSize:      2,
		AdditionalArgs: DefaultThresholds,
	})
	assert.Contains(t, p, "hailonet name=det_hailonet hef-path=/r/yolov8n.hef batch-size=2 vdevice-group-id=1 "+DefaultThresholds+" force-writable=true")
	assert.Contains(t, p, "hailofilter name=det_hailofilter so-path=/r/post.so function-name=filter_letterbox qos=false")
	assert.True(t, strings.HasPrefix(p, Queue("det_scale_q")))
	assert.True(t, strings.HasSuffix(p, Queue("det_output_q")))

	noFilter := InferencePipeline(InferenceParams{Name: "det", HEFPath: "x.hef", BatchSize: 1})
	assert.NotContains(t, noFilter, "hailofilter")
}

func TestInferencePipelineWrapper(t *testing.T) {
	p := InferencePipelineWrapper("INNER", "wrap", "/tappas")
	assert.Contains(t, p, "hailocropper name=wrap_crop so-path=/tappas/cropping_algorithms/libwhole_buffer.so function-name=create_crops")
	assert.Contains(t, p, "wrap_crop. ! "+QueueSized("wrap_bypass_q", 20)+" ! wrap_agg.sink_0")
	assert.Contains(t, p, "wrap_crop. ! INNER ! wrap_agg.sink_1")
	assert.True(t, strings.HasSuffix(p, "wrap_agg. ! "+Queue("wrap_output_q")))
}

func TestTrackerAndCallback(t *testing.T) {
	assert.True(t, strings.HasPrefix(TrackerPipeline(1), "hailotracker name=hailo_tracker class-id=1 kalman-dist-thr=0.8"))
	assert.Equal(t, Queue("identity_callback_q")+" ! identity name=identity_callback", UserCallbackPipeline())
}

func TestSinks(t *testing.T) {
	d := DisplayPipeline("autovideosink", false, true)
	assert.Contains(t, d, "hailooverlay name=hailo_display_overlay")
	assert.True(t, strings.HasSuffix(d, "fpsdisplaysink name=hailo_display video-sink=autovideosink sync=false text-overlay=true signal-fps-measurements=true"))

	a := AppSinkPipeline("sink")
	assert.Contains(t, a, "video/x-raw, format=BGR")
	assert.True(t, strings.HasSuffix(a, "appsink name=sink emit-signals=true max-buffers=1 drop=true sync=false"))
}

func TestDetectionPipelineOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResourcesPath = t.TempDir()
	cfg.TappasPostProcDir = "/tappas"
	p := DetectionPipeline(cfg, false)

	order := []string{"libcamerasrc", "hailocropper", "hailonet", "hailofilter", "hailotracker", "identity name=identity_callback", "hailooverlay", "appsink name=" + DefaultSinkName}
	last := -1
	for _, el := range order {
		i := strings.Index(p, el)
		require.GreaterOrEqual(t, i, 0, el)
		assert.Greater(t, i, last, el)
		last = i
	}
	assert.Contains(t, p, "hef-path="+filepath.Join(cfg.ResourcesPath, "yolov8n.hef"))
	assert.Contains(t, p, "so-path="+filepath.Join(cfg.ResourcesPath, "libyolo_hailortpp_postprocess.so"))

	display := DetectionPipeline(cfg, true)
	assert.Contains(t, display, "fpsdisplaysink")
	assert.NotContains(t, display, "appsink")
}

func TestResolveResources(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, dir, ResolveResources(dir))
	assert.Equal(t, DefaultResources, ResolveResources(filepath.Join(dir, "missing")))
	assert.Equal(t, DefaultResources, ResolveResources(""))

	cfg := Config{ResourcesPath: filepath.Join(dir, "missing"), HEFPath: "/custom.hef"}.Resolved()
	assert.Equal(t, DefaultResources, cfg.ResourcesPath)
	assert.Equal(t, "/custom.hef", cfg.HEFPath)
	assert.Equal(t, DefaultPostFunction, cfg.PostFunction)
}

func TestParseArch(t *testing.T) {
	tests := []struct {
		out  string
		want string
		ok   bool
	}{
		{"Executing on device: 0000:01:00.0\nDevice Architecture: HAILO8L\n", ArchHailo8L, true},
		{"Board Name: Hailo-8\nDevice Architecture: HAILO8\n", ArchHailo8, true},
		{"Device Architecture: HAILO10H", ArchHailo10H, true},
		{"Firmware Version: 4.17.0", "", false},
	}
	for _, tc := range tests {
		got, ok := ParseArch([]byte(tc.out))
		assert.Equal(t, tc.ok, ok, tc.out)
		assert.Equal(t, tc.want, got, tc.out)
	}
}

func TestDetectArch(t *testing.T) {
	var called []string
	run := func(_ context.Context, name string, args ...string) ([]byte, error) {
		called = append([]string{name}, args...)
		return []byte("Device Architecture: HAILO8L"), nil
	}
	arch, err := DetectArch(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, ArchHailo8L, arch)
	assert.Equal(t, []string{"hailortcli", "fw-control", "identify"}, called)

	failing := func(context.Context, string, ...string) ([]byte, error) {
		return []byte("no device"), errors.New("exit status 1")
	}
	_, err = DetectArch(context.Background(), failing)
	assert.ErrorIs(t, err, ErrArchUnknown)
	assert.Contains(t, err.Error(), "--arch")

	arch, err = ResolveArch(context.Background(), ArchHailo8, failing)
	require.NoError(t, err)
	assert.Equal(t, ArchHailo8, arch)
}

func TestCompileArgs(t *testing.T) {
	args := CompileArgs(CompileOptions{ONNXPath: "m.onnx", HEFPath: "m.hef", Arch: "hailo8"})
	assert.Equal(t, []string{"compile", "m.onnx", "--hw-arch", "hailo8", "--output", "m.hef", "--input-format", "nhwc", "--input-shape", "1,640,640,3"}, args)
}

func TestCompiler(t *testing.T) {
	opts := CompileOptions{ONNXPath: "m.onnx", HEFPath: "m.hef", Arch: "hailo8"}
	c := NewCompiler(nil)
	c.Verify = func(string) error { return nil }
	c.Run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		assert.Equal(t, "hailo", name)
		return []byte("done\n"), nil
	}
	out, err := c.Compile(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "done", out)

	c.Run = func(context.Context, string, ...string) ([]byte, error) {
		return []byte("parser error"), errors.New("exit status 2")
	}
	out, err = c.Compile(context.Background(), opts)
	assert.ErrorIs(t, err, ErrCompile)
	assert.Equal(t, "parser error", out)

	c.Run = func(context.Context, string, ...string) ([]byte, error) {
		return nil, &exec.Error{Name: "hailo", Err: exec.ErrNotFound}
	}
	_, err = c.Compile(context.Background(), opts)
	assert.ErrorIs(t, err, ErrCompile)
	assert.Contains(t, err.Error(), "not found in PATH")

	c.Verify = func(string) error { return errors.New("bad onnx") }
	_, err = c.Compile(context.Background(), opts)
	assert.ErrorContains(t, err, "bad onnx")

	_, err = c.Compile(context.Background(), CompileOptions{ONNXPath: "m.onnx", HEFPath: "m.hef"})
	assert.ErrorIs(t, err, ErrArchUnknown)
}

func TestVerifyONNXMissing(t *testing.T) {
	assert.Error(t, VerifyONNX(filepath.Join(t.TempDir(), "none.onnx")))
}

func TestSourceMailbox(t *testing.T) {
	s := NewSource(DefaultConfig(), 50*time.Millisecond, nil)
	_, err := s.Capture(context.Background())
	assert.True(t, errors.Is(err, iface.ErrDeviceUnavailable))

	s.available.Store(true)
	red := make([]byte, 4*3*3)
	for i := 2; i < len(red); i += 3 {
		red[i] = 255
	}
	s.offer(rawSample{data: make([]byte, 4*3*3), width: 4, height: 3})
	s.offer(rawSample{data: red, width: 4, height: 3})

	f, err := s.Capture(context.Background())
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, 4, f.Mat.Cols())
	assert.Equal(t, 3, f.Mat.Rows())
	assert.Equal(t, uint8(255), f.Mat.GetVecbAt(0, 0)[2])
	assert.Equal(t, uint64(1), f.Seq)

	_, err = s.Capture(context.Background())
	assert.True(t, errors.Is(err, iface.ErrCaptureTimeout))

	s.offer(rawSample{data: []byte{1, 2}, width: 4, height: 3})
	_, err = s.Capture(context.Background())
	assert.True(t, errors.Is(err, iface.ErrCapture))

	s.fail(errors.New("end of stream"))
	assert.False(t, s.Available())
	assert.NoError(t, s.Release())
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.Empty(t, cfg.Validate())
	cfg.Arch = "hailo9"
	cfg.BatchSize = 0
	assert.Len(t, cfg.Validate(), 2)
}

func TestAwaitFirstSample(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StartTimeout = 30 * time.Millisecond

	s := NewSource(cfg, 50*time.Millisecond, nil)
	s.available.Store(true)
	err := s.awaitFirstSample(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, iface.ErrDeviceUnavailable))
	assert.False(t, s.Available())

	s = NewSource(cfg, 50*time.Millisecond, nil)
	s.available.Store(true)
	s.fail(errors.New("end of stream"))
	err = s.awaitFirstSample(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, iface.ErrDeviceUnavailable))
	assert.Contains(t, err.Error(), "end of stream")

	s = NewSource(cfg, 50*time.Millisecond, nil)
	s.available.Store(true)
	s.offer(rawSample{data: make([]byte, 4*3*3), width: 4, height: 3})
	require.NoError(t, s.awaitFirstSample(context.Background()))
	f, err := s.Capture(context.Background())
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, uint64(1), f.Seq)

	cfg.StartTimeout = 0
	s = NewSource(cfg, 50*time.Millisecond, nil)
	assert.NoError(t, s.awaitFirstSample(context.Background()))
}
