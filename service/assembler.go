package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Artifact 成片
type Artifact struct {
	URL             string
	DurationSeconds int
}

// Assembler 按顺序拼接片段
type Assembler interface {
	Assemble(ctx context.Context, jobID string, clipURLs []string, plannedSeconds int) (*Artifact, error)
}

// CommandRunner 执行外部命令并返回合并输出
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// FFmpegAssembler 临时目录下载 -> concat demuxer 拼接（失败时 concat 滤镜重新编码） -> 上传
type FFmpegAssembler struct {
	FFmpegPath  string
	FFprobePath string
	WorkDir     string
	Concurrency int
	HTTPClient  *http.Client
	Store       ArtifactStore
	Run         CommandRunner
}

func NewFFmpegAssembler(ffmpegPath, ffprobePath, workDir string, concurrency int, store ArtifactStore) *FFmpegAssembler {
	return &FFmpegAssembler{
		FFmpegPath:  ffmpegPath,
		FFprobePath: ffprobePath,
		WorkDir:     workDir,
		Concurrency: concurrency,
		HTTPClient:  &http.Client{Timeout: 5 * time.Minute},
		Store:       store,
		Run:         execRunner,
	}
}

func (a *FFmpegAssembler) Assemble(ctx context.Context, jobID string, clipURLs []string, plannedSeconds int) (*Artifact, error) {
	if len(clipURLs) == 0 {
		return nil, &AssemblyError{Step: "input", Err: errors.New("no clips to assemble")}
	}
	dir, err := os.MkdirTemp(a.WorkDir, "assemble-"+jobID+"-")
	if err != nil {
		return nil, &AssemblyError{Step: "workspace", Err: err}
	}
	// 任何退出路径都清理临时目录
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Printf("[Assembler] 清理临时目录失败 %s: %v", dir, err)
		}
	}()

	paths, err := a.downloadClips(ctx, dir, clipURLs)
	if err != nil {
		return nil, &AssemblyError{Step: "download", Err: err}
	}

	listFile := filepath.Join(dir, "concat_list.txt")
	if err := writeConcatList(listFile, paths); err != nil {
		return nil, &AssemblyError{Step: "concat", Err: err}
	}

	output := filepath.Join(dir, "final.mp4")
	if out, err := a.Run(ctx, a.FFmpegPath, concatCopyArgs(listFile, output)...); err != nil {
		log.Printf("[Assembler] -c copy 拼接失败，改为重新编码: %v: %s", err, truncate(string(out), 500))
		_ = os.Remove(output)
		if out, err := a.Run(ctx, a.FFmpegPath, a.reencodeArgs(ctx, paths, output)...); err != nil {
			return nil, &AssemblyError{Step: "concat", Err: fmt.Errorf("%w: %s", err, truncate(string(out), 500))}
		}
	}
	if info, err := os.Stat(output); err != nil || info.Size() == 0 {
		return nil, &AssemblyError{Step: "concat", Err: errors.New("ffmpeg produced no output")}
	}

	duration := plannedSeconds
	if probed, err := a.probeDuration(ctx, output); err == nil && probed > 0 {
		duration = int(math.Round(probed))
	} else if err != nil {
		log.Printf("[Assembler] ffprobe 失败，使用计划时长 %ds: %v", plannedSeconds, err)
	}

	objectName := fmt.Sprintf("conversions/%s/final.mp4", jobID)
	artifactURL, err := a.Store.Put(ctx, objectName, output)
	if err != nil {
		return nil, &AssemblyError{Step: "upload", Err: err}
	}
	log.Printf("[Assembler] Job %s 成片完成: %d 段, %ds", jobID, len(clipURLs), duration)
	return &Artifact{URL: artifactURL, DurationSeconds: duration}, nil
}

func (a *FFmpegAssembler) downloadClips(ctx context.Context, dir string, clipURLs []string) ([]string, error) {
	paths := make([]string, len(clipURLs))
	g, gctx := errgroup.WithContext(ctx)
	if a.Concurrency > 0 {
		g.SetLimit(a.Concurrency)
	}
	for i, u := range clipURLs {
		i, u := i, u
		paths[i] = filepath.Join(dir, fmt.Sprintf("segment_%03d.mp4", i))
		g.Go(func() error {
			if err := a.downloadFile(gctx, u, paths[i]); err != nil {
				return fmt.Errorf("segment %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

func (a *FFmpegAssembler) downloadFile(ctx context.Context, rawURL, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download status: %d", resp.StatusCode)
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("empty clip")
	}
	return nil
}

func (a *FFmpegAssembler) probeDuration(ctx context.Context, path string) (float64, error) {
	out, err := a.Run(ctx, a.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
}

func writeConcatList(listFile string, paths []string) error {
	lines := make([]string, 0, len(paths))
	for _, p := range paths {
		lines = append(lines, fmt.Sprintf("file '%s'", strings.ReplaceAll(p, "'", `'\''`)))
	}
	return os.WriteFile(listFile, []byte(strings.Join(lines, "\n")+"\n"), 0644)
}

func concatCopyArgs(listFile, output string) []string {
	return []string{"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listFile,
		"-c", "copy",
		"-movflags", "+faststart",
		output,
	}
}

// 重新编码时统一到的画面参数，首段探测失败时使用
const (
	defaultFrameWidth  = 720
	defaultFrameHeight = 1280
	outputFrameRate    = 24
)

// reencodeArgs 片段分辨率、帧率或编码不一致时的回退路径：
// 以首段尺寸为准缩放补边，统一帧率后用 concat 滤镜拼接。任一片段没有音轨时只输出视频
func (a *FFmpegAssembler) reencodeArgs(ctx context.Context, paths []string, output string) []string {
	w, h, err := a.probeFrameSize(ctx, paths[0])
	if err != nil {
		log.Printf("[Assembler] 探测分辨率失败，使用 %dx%d: %v", defaultFrameWidth, defaultFrameHeight, err)
		w, h = defaultFrameWidth, defaultFrameHeight
	}
	withAudio := true
	for _, p := range paths {
		ok, err := a.probeHasAudio(ctx, p)
		if err != nil || !ok {
			withAudio = false
			break
		}
	}
	return concatFilterArgs(paths, output, w, h, withAudio)
}

func concatFilterArgs(paths []string, output string, w, h int, withAudio bool) []string {
	args := []string{"-y"}
	for _, p := range paths {
		args = append(args, "-i", p)
	}

	var filters, inputs []string
	for i := range paths {
		filters = append(filters, fmt.Sprintf(
			"[%d:v]scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=%d,format=yuv420p[v%d]",
			i, w, h, w, h, outputFrameRate, i))
		inputs = append(inputs, fmt.Sprintf("[v%d]", i))
		if withAudio {
			filters = append(filters, fmt.Sprintf("[%d:a]aresample=48000,aformat=channel_layouts=stereo[a%d]", i, i))
			inputs = append(inputs, fmt.Sprintf("[a%d]", i))
		}
	}
	audioStreams := 0
	outs := "[outv]"
	if withAudio {
		audioStreams = 1
		outs = "[outv][outa]"
	}
	filters = append(filters, fmt.Sprintf("%sconcat=n=%d:v=1:a=%d%s", strings.Join(inputs, ""), len(paths), audioStreams, outs))

	args = append(args, "-filter_complex", strings.Join(filters, ";"), "-map", "[outv]")
	if withAudio {
		args = append(args, "-map", "[outa]", "-c:a", "aac", "-b:a", "128k")
	}
	return append(args,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "20",
		"-movflags", "+faststart",
		output,
	)
}

func (a *FFmpegAssembler) probeFrameSize(ctx context.Context, path string) (int, int, error) {
	out, err := a.Run(ctx, a.FFprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "csv=s=x:p=0",
		path,
	)
	if err != nil {
		return 0, 0, err
	}
	var w, h int
	if _, err := fmt.Sscanf(strings.TrimSpace(string(out)), "%dx%d", &w, &h); err != nil {
		return 0, 0, fmt.Errorf("unexpected ffprobe output %q: %w", truncate(string(out), 100), err)
	}
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid frame size %dx%d", w, h)
	}
	// libx264 + yuv420p 要求偶数尺寸
	return w &^ 1, h &^ 1, nil
}

func (a *FFmpegAssembler) probeHasAudio(ctx context.Context, path string) (bool, error) {
	out, err := a.Run(ctx, a.FFprobePath,
		"-v", "error",
		"-select_streams", "a",
		"-show_entries", "stream=codec_type",
		"-of", "csv=p=0",
		path,
	)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) != "", nil
}
