package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"retouch/internal/api"
	"retouch/internal/domain"
	"retouch/internal/infra"
	"retouch/internal/mask"
	"retouch/internal/state"
	"retouch/internal/upload"
	"retouch/internal/watch"
	"retouch/pkg/zip"
)

const usage = `retouchctl drives the generation backend for one sku.

Usage:
  retouchctl upload  -sku CODE [-enqueue] [-head ID] [-brand B] FILES...
  retouchctl status  -sku CODE
  retouchctl watch   -sku CODE -frame ID
  retouchctl redo    -sku CODE -frame ID [-preset FILE] [-prompt P] [-strength S] [-steps N]
  retouchctl mask    -sku CODE -frame ID -script FILE
  retouchctl export  -sku CODE [-dir DIR]
  retouchctl done    -sku CODE
`

type app struct {
	cfg     *infra.Config
	logger  infra.Logger
	client  *api.Client
	uploads *upload.Coordinator
}

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	client, err := api.NewClient(api.Options{
		BaseURL:        cfg.APIBaseURL,
		RequestTimeout: cfg.HTTPTimeout,
		Logger:         &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("retouchctl: api client")
	}
	uploads, err := upload.New(upload.Options{
		Backend:  client,
		Logger:   &logger,
		MaxFiles: cfg.UploadMaxFiles,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("retouchctl: upload coordinator")
	}

	a := &app{cfg: cfg, logger: logger, client: client, uploads: uploads}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "upload":
		err = a.upload(ctx, args)
	case "status":
		err = a.status(ctx, args)
	case "watch":
		err = a.watch(ctx, args)
	case "redo":
		err = a.redo(ctx, args)
	case "mask":
		err = a.mask(ctx, args)
	case "export":
		err = a.export(ctx, args)
	case "done":
		err = a.done(ctx, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal().Err(err).Str("command", cmd).Msg("retouchctl: command failed")
	}
}

func (a *app) newState(code string) (*state.State, error) {
	return state.New(state.Options{
		Code:    code,
		Backend: a.client,
		Uploads: a.uploads,
		Watcher: watch.New(watch.Options{
			Duration: a.cfg.WatchDuration,
			Interval: a.cfg.PollInterval,
			Logger:   &a.logger,
		}),
		Logger: &a.logger,
	})
}

func (a *app) upload(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	sku := fs.String("sku", "", "sku code")
	enqueue := fs.Bool("enqueue", true, "queue generation after registering")
	head := fs.Int64("head", 0, "head model id (0 = default)")
	brand := fs.String("brand", "", "brand tag")
	hairStyle := fs.String("hair-style", "", "hair style tag")
	hairColor := fs.String("hair-color", "", "hair color tag")
	eyeColor := fs.String("eye-color", "", "eye color tag")
	_ = fs.Parse(args)
	if *sku == "" || fs.NArg() == 0 {
		return fmt.Errorf("upload: -sku and at least one file are required")
	}

	var files []domain.LocalFile
	for _, p := range fs.Args() {
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("upload: read %s: %w", p, err)
		}
		files = append(files, domain.LocalFile{
			Name: filepath.Base(p),
			MIME: mimeFromName(p),
			Data: data,
		})
	}

	st, err := a.newState(*sku)
	if err != nil {
		return err
	}
	opts := state.SubmitOptions{
		Enqueue:   *enqueue,
		Brand:     *brand,
		HairStyle: *hairStyle,
		HairColor: *hairColor,
		EyeColor:  *eyeColor,
	}
	if *head > 0 {
		opts.HeadID = head
	}
	resp, batch, err := st.UploadOriginals(ctx, files, opts)
	if err != nil {
		return err
	}
	for _, name := range batch.Dropped {
		a.logger.Warn().Str("file", name).Msg("retouchctl: over the batch limit, dropped")
	}
	fmt.Printf("sku_id=%d frames=%d queued=%v fallback=%v\n", resp.SkuID, len(resp.FrameIDs), resp.Queued, batch.Fallback)
	return nil
}

func (a *app) status(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	sku := fs.String("sku", "", "sku code")
	_ = fs.Parse(args)
	if *sku == "" {
		return fmt.Errorf("status: -sku is required")
	}

	st, err := a.newState(*sku)
	if err != nil {
		return err
	}
	if err := st.Reload(ctx); err != nil {
		return err
	}
	info := st.Sku()
	fmt.Printf("sku %s done=%v progress=%.0f%%\n", info.Code, info.IsDone, st.Progress())
	for _, fr := range st.Frames() {
		fmt.Printf("  frame %d seq=%d status=%s versions=%d mask=%v\n",
			fr.ID, fr.Seq, fr.Status, fr.VersionCount(), fr.MaskURL != "")
	}
	return nil
}

func (a *app) watch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	sku := fs.String("sku", "", "sku code")
	frame := fs.Int64("frame", 0, "frame id")
	_ = fs.Parse(args)
	if *sku == "" || *frame == 0 {
		return fmt.Errorf("watch: -sku and -frame are required")
	}

	view, err := a.client.SkuView(ctx, *sku)
	if err != nil {
		return err
	}
	fr := view.FrameByID(*frame)
	if fr == nil {
		return domain.ErrFrameNotFound
	}

	watcher := watch.New(watch.Options{
		Duration: a.cfg.WatchDuration,
		Interval: a.cfg.PollInterval,
		Logger:   &a.logger,
	})
	session := watcher.Start(ctx, *frame, fr.VersionCount(), func(ctx context.Context) (*domain.SkuView, error) {
		return a.client.SkuView(ctx, *sku)
	}, nil)
	outcome, found, err := session.Wait(ctx)
	if err != nil {
		return err
	}
	switch outcome {
	case watch.StateFound:
		fmt.Printf("frame %d: new result, versions=%d status=%s\n", *frame, found.VersionCount(), found.Status)
	case watch.StateTimedOut:
		fmt.Printf("frame %d: still processing, refresh later\n", *frame)
	}
	return nil
}

func (a *app) redo(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("redo", flag.ExitOnError)
	sku := fs.String("sku", "", "sku code")
	frame := fs.Int64("frame", 0, "frame id")
	preset := fs.String("preset", "", "yaml preset with generation parameters")
	prompt := fs.String("prompt", "", "prompt override")
	strength := fs.Float64("strength", 0, "prompt strength override")
	steps := fs.Int("steps", 0, "inference steps override")
	_ = fs.Parse(args)
	if *sku == "" || *frame == 0 {
		return fmt.Errorf("redo: -sku and -frame are required")
	}

	var patch domain.ParamPatch
	if *preset != "" {
		p, err := loadPreset(*preset)
		if err != nil {
			return err
		}
		patch = p
	}
	if *prompt != "" {
		patch.Prompt = prompt
	}
	if *strength > 0 {
		patch.PromptStrength = strength
	}
	if *steps > 0 {
		patch.NumInferenceSteps = steps
	}

	st, err := a.newState(*sku)
	if err != nil {
		return err
	}
	if err := st.Reload(ctx); err != nil {
		return err
	}
	session, err := st.Regenerate(ctx, *frame, patch)
	if err != nil {
		return err
	}
	outcome, _, err := session.Wait(ctx)
	if err != nil {
		return err
	}
	if outcome == watch.StateFound {
		fr, _ := st.Frame(*frame)
		fmt.Printf("frame %d regenerated, versions=%d\n", *frame, fr.VersionCount())
	} else {
		fmt.Printf("frame %d still processing, refresh later\n", *frame)
	}
	return nil
}

func (a *app) mask(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("mask", flag.ExitOnError)
	sku := fs.String("sku", "", "sku code")
	frame := fs.Int64("frame", 0, "frame id")
	script := fs.String("script", "", "yaml stroke script")
	_ = fs.Parse(args)
	if *sku == "" || *frame == 0 || *script == "" {
		return fmt.Errorf("mask: -sku, -frame and -script are required")
	}

	view, err := a.client.SkuView(ctx, *sku)
	if err != nil {
		return err
	}
	fr := view.FrameByID(*frame)
	if fr == nil {
		return domain.ErrFrameNotFound
	}
	original, _, err := a.client.Download(ctx, fr.OriginalURL)
	if err != nil {
		return err
	}
	ed, err := mask.NewFromOriginal(original)
	if err != nil {
		return err
	}
	if err := applyStrokeScript(ed, *script); err != nil {
		return err
	}

	pub, err := mask.NewPublisher(mask.PublisherOptions{
		Uploads: a.uploads,
		Backend: a.client,
		Logger:  &a.logger,
	})
	if err != nil {
		return err
	}
	key, err := pub.Publish(ctx, *sku, *frame, ed)
	if err != nil {
		return err
	}
	fmt.Printf("frame %d mask associated, key=%s\n", *frame, key)
	return nil
}

func (a *app) export(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	sku := fs.String("sku", "", "sku code")
	dir := fs.String("dir", "", "target directory (default EXPORT_DIR/<sku>)")
	_ = fs.Parse(args)
	if *sku == "" {
		return fmt.Errorf("export: -sku is required")
	}
	target := *dir
	if target == "" {
		target = filepath.Join(a.cfg.ExportDir, *sku)
	}

	data, err := a.client.ExportZip(ctx, *sku)
	if err != nil {
		return err
	}
	written, err := zip.ExtractAssets(data, target)
	if err != nil {
		return err
	}
	fmt.Printf("exported %d files to %s\n", len(written), target)
	return nil
}

func (a *app) done(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("done", flag.ExitOnError)
	sku := fs.String("sku", "", "sku code")
	_ = fs.Parse(args)
	if *sku == "" {
		return fmt.Errorf("done: -sku is required")
	}
	if err := a.client.MarkDone(ctx, *sku); err != nil {
		return err
	}
	fmt.Printf("sku %s marked done\n", *sku)
	return nil
}

func mimeFromName(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
