package hailo

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Helpers below build gst-launch fragments. Fragments are chained with
// " ! " by BuildPipeline.

func Queue(name string) string {
	return QueueSized(name, 3)
}

func QueueSized(name string, maxBuffers int) string {
	return fmt.Sprintf("queue name=%s leaky=no max-size-buffers=%d max-size-bytes=0 max-size-time=0", name, maxBuffers)
}

// SourceType classifies a video source string.
func SourceType(source string) string {
	switch {
	case source == "rpi" || source == "libcamera":
		return "libcamera"
	case strings.HasPrefix(source, "/dev/video"):
		return "usb"
	default:
		return "file"
	}
}

func SourcePipeline(source string, width, height, frameRate int) string {
	const name = "source"
	var element string
	switch SourceType(source) {
	case "libcamera":
		element = fmt.Sprintf("libcamerasrc name=%s ! video/x-raw, format=RGB, width=%d, height=%d", name, width, height)
	case "usb":
		element = fmt.Sprintf("v4l2src device=%s name=%s ! image/jpeg, framerate=%d/1, width=%d, height=%d ! %s ! decodebin name=%s_decodebin",
			source, name, frameRate, width, height, Queue(name+"_queue_decode"), name)
	default:
		element = fmt.Sprintf(`filesrc location="%s" name=%s ! %s ! decodebin name=%s_decodebin`,
			source, name, Queue(name+"_queue_decode"), name)
	}
	return strings.Join([]string{
		element,
		Queue(name + "_scale_q"),
		fmt.Sprintf("videoscale name=%s_videoscale n-threads=2", name),
		Queue(name + "_convert_q"),
		fmt.Sprintf("videoconvert n-threads=3 name=%s_convert qos=false", name),
		fmt.Sprintf("video/x-raw, pixel-aspect-ratio=1/1, format=RGB, width=%d, height=%d", width, height),
	}, " ! ")
}

type InferenceParams struct {
	Name           string
	HEFPath        string
	PostProcessSO  string
	PostFunction   string
	BatchSize      int
	AdditionalArgs string
}

func InferencePipeline(p InferenceParams) string {
	name := p.Name
	if name == "" {
		name = "inference"
	}
	hailonet := fmt.Sprintf("hailonet name=%s_hailonet hef-path=%s batch-size=%d vdevice-group-id=1", name, p.HEFPath, p.BatchSize)
	if p.AdditionalArgs != "" {
		hailonet += " " + p.AdditionalArgs
	}
	hailonet += " force-writable=true"

	parts := []string{
		Queue(name + "_scale_q"),
		fmt.Sprintf("videoscale name=%s_videoscale n-threads=2 qos=false", name),
		Queue(name + "_convert_q"),
		"video/x-raw, pixel-aspect-ratio=1/1",
		fmt.Sprintf("videoconvert name=%s_convert n-threads=2", name),
		Queue(name + "_hailonet_q"),
		hailonet,
	}
	if p.PostProcessSO != "" {
		filter := fmt.Sprintf("hailofilter name=%s_hailofilter so-path=%s", name, p.PostProcessSO)
		if p.PostFunction != "" {
			filter += " function-name=" + p.PostFunction
		}
		parts = append(parts, Queue(name+"_hailofilter_q"), filter+" qos=false")
	}
	parts = append(parts, Queue(name+"_output_q"))
	return strings.Join(parts, " ! ")
}

// InferencePipelineWrapper runs inner on a letterboxed crop of the whole
// frame and re-attaches the metadata to the original resolution buffer.
func InferencePipelineWrapper(inner, name, postProcDir string) string {
	if name == "" {
		name = "inference_wrapper"
	}
	cropSO := filepath.Join(postProcDir, "cropping_algorithms", "libwhole_buffer.so")
	return fmt.Sprintf(
		"%s ! hailocropper name=%s_crop so-path=%s function-name=create_crops use-letterbox=true resize-method=inter-area internal-offset=true "+
			"hailoaggregator name=%s_agg "+
			"%s_crop. ! %s ! %s_agg.sink_0 "+
			"%s_crop. ! %s ! %s_agg.sink_1 "+
			"%s_agg. ! %s",
		Queue(name+"_input_q"), name, cropSO,
		name,
		name, QueueSized(name+"_bypass_q", 20), name,
		name, inner, name,
		name, Queue(name+"_output_q"),
	)
}

// TrackerPipeline tracks objects of a single COCO class id (1 based).
func TrackerPipeline(classID int) string {
	const name = "hailo_tracker"
	return fmt.Sprintf("hailotracker name=%s class-id=%d kalman-dist-thr=0.8 iou-thr=0.9 init-iou-thr=0.7 "+
		"keep-new-frames=2 keep-tracked-frames=15 keep-lost-frames=2 keep-past-metadata=false qos=false ! %s",
		name, classID, Queue(name+"_q"))
}

func UserCallbackPipeline() string {
	const name = "identity_callback"
	return fmt.Sprintf("%s ! identity name=%s", Queue(name+"_q"), name)
}

func OverlayPipeline(name string) string {
	return fmt.Sprintf("%s ! hailooverlay name=%s", Queue(name+"_q"), name)
}

func DisplayPipeline(videoSink string, sync, showFPS bool) string {
	const name = "hailo_display"
	return strings.Join([]string{
		OverlayPipeline(name + "_overlay"),
		Queue(name + "_videoconvert_q"),
		fmt.Sprintf("videoconvert name=%s_videoconvert n-threads=2 qos=false", name),
		Queue(name + "_q"),
		fmt.Sprintf("fpsdisplaysink name=%s video-sink=%s sync=%t text-overlay=%t signal-fps-measurements=true", name, videoSink, sync, showFPS),
	}, " ! ")
}

// AppSinkPipeline ends the chain in an appsink delivering annotated BGR
// frames, keeping only the newest buffer.
func AppSinkPipeline(sinkName string) string {
	const name = "hailo_appsink"
	return strings.Join([]string{
		OverlayPipeline(name + "_overlay"),
		Queue(name + "_videoconvert_q"),
		fmt.Sprintf("videoconvert name=%s_videoconvert n-threads=2 qos=false", name),
		"video/x-raw, format=BGR",
		fmt.Sprintf("appsink name=%s emit-signals=true max-buffers=1 drop=true sync=false", sinkName),
	}, " ! ")
}

func BuildPipeline(stages ...string) string {
	return strings.Join(stages, " ! ")
}

// DetectionPipeline is source, wrapped detection, tracker, user callback
// and sink. display selects the on-screen sink instead of the appsink.
func DetectionPipeline(cfg Config, display bool) string {
	cfg = cfg.Resolved()
	detection := InferencePipeline(InferenceParams{
		Name:           "detection_inference",
		HEFPath:        cfg.HEFPath,
		PostProcessSO:  cfg.PostProcessSO,
		PostFunction:   cfg.PostFunction,
		BatchSize:      cfg.BatchSize,
		AdditionalArgs: cfg.Thresholds,
	})
	sink := AppSinkPipeline(DefaultSinkName)
	if display {
		sink = DisplayPipeline(cfg.VideoSink, cfg.Sync, cfg.ShowFPS)
	}
	return BuildPipeline(
		SourcePipeline(cfg.VideoSource, cfg.Width, cfg.Height, cfg.FrameRate),
		InferencePipelineWrapper(detection, "inference_wrapper_detection", cfg.TappasPostProcDir),
		TrackerPipeline(cfg.TrackerClassID),
		UserCallbackPipeline(),
		sink,
	)
}
