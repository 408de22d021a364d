package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

type pushResp struct {
	ArtifactID string `json:"artifactId"`
	MissionID  string `json:"missionId"`
	Sequence   int    `json:"sequence"`
	Checksum   string `json:"checksum"`
}

type pushJob struct {
	path     string
	sequence int
}

func pushCmd(s *settings, ui *ui) *cobra.Command {
	var (
		missionID   string
		missionName string
		robotID     string
		kind        string
		tagID       string
		analysis    string
		startSeq    int
		concurrency int
	)
	cmd := &cobra.Command{
		Use:     "push <file>...",
		Short:   "Enqueue capture files as artifacts of one mission",
		Example: "inspectq push --mission m-42 --robot anymal-01 ./captures/*.jpg",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if startSeq < 0 {
				return errors.New("start-seq must be >= 0")
			}
			if concurrency <= 0 {
				concurrency = 1
			}
			if strings.TrimSpace(missionID) == "" {
				missionID = uuid.NewString()
				fmt.Printf("%s Mission id: %s\n", ui.info("[INFO]"), missionID)
			}
			robotID = firstNonEmpty(robotID, s.robotID)

			jobs := make([]pushJob, len(args))
			for i, p := range args {
				jobs[i] = pushJob{path: p, sequence: startSeq + i}
			}

			c := newClient(s)
			bar := progressbar.NewOptions(len(jobs),
				progressbar.OptionSetDescription("Enqueueing"),
				progressbar.OptionSetWidth(18),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			var (
				wg     sync.WaitGroup
				mu     sync.Mutex
				failed []string
				work   = make(chan pushJob)
			)
			for i := 0; i < concurrency; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for job := range work {
						if err := pushFile(ctx, c, job, missionID, missionName, robotID, kind, tagID, analysis); err != nil {
							mu.Lock()
							failed = append(failed, fmt.Sprintf("%s: %v", job.path, err))
							mu.Unlock()
						}
						_ = bar.Add(1)
					}
				}()
			}
		feed:
			for _, job := range jobs {
				select {
				case work <- job:
				case <-ctx.Done():
					break feed
				}
			}
			close(work)
			wg.Wait()
			_ = bar.Finish()

			for _, f := range failed {
				fmt.Println(ui.err("[FAIL]"), f)
			}
			if len(failed) > 0 {
				return fmt.Errorf("%d of %d files failed", len(failed), len(jobs))
			}
			if ctx.Err() != nil {
				fmt.Println(ui.warn("[WARN]"), "Interrupted")
				return nil
			}
			fmt.Printf("%s Enqueued %d artifacts for mission %s\n", ui.ok("[OK]"), len(jobs), missionID)
			return nil
		},
	}
	cmd.Flags().StringVar(&missionID, "mission", "", "Mission id (generated when empty)")
	cmd.Flags().StringVar(&missionName, "mission-name", "", "Mission name")
	cmd.Flags().StringVar(&robotID, "robot", "", "Robot id (defaults to the profile robot)")
	cmd.Flags().StringVar(&kind, "kind", "", "Artifact kind: image|thermal_image|video|audio (guessed from the extension when empty)")
	cmd.Flags().StringVar(&tagID, "tag", "", "Tag id of the inspected asset")
	cmd.Flags().StringVar(&analysis, "analysis", "", "Comma-separated analysis types")
	cmd.Flags().IntVar(&startSeq, "start-seq", 1, "Sequence number of the first file")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "Parallel uploads")
	return cmd
}

func pushFile(ctx context.Context, c *client, job pushJob, missionID, missionName, robotID, kind, tagID, analysis string) error {
	data, err := os.ReadFile(job.path)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.New("empty file")
	}
	fileType := fileTypeOf(job.path)
	if kind == "" {
		kind = kindForFileType(fileType)
	}
	body := map[string]any{
		"missionId":   missionID,
		"missionName": missionName,
		"robotId":     robotID,
		"sequence":    job.sequence,
		"kind":        kind,
		"fileType":    fileType,
		"tagId":       tagID,
		"data":        data,
	}
	if info, err := os.Stat(job.path); err == nil {
		body["capturedAt"] = info.ModTime().UTC().Format(time.RFC3339)
	}
	if a := splitList(analysis); len(a) > 0 {
		body["analysis"] = a
	}

	var out pushResp
	if err := c.do(ctx, http.MethodPost, pathArtifacts, body, &out); err != nil {
		return err
	}
	if out.ArtifactID == "" {
		return errors.New("server returned no artifact id")
	}
	return nil
}

func fileTypeOf(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}

func kindForFileType(ft string) string {
	switch ft {
	case "mp4", "mov", "mkv", "avi":
		return "VIDEO"
	case "wav", "mp3", "flac", "ogg":
		return "AUDIO"
	case "tif", "tiff", "radiometric":
		return "THERMAL_IMAGE"
	default:
		return "IMAGE"
	}
}

func splitList(s string) []string {
	var out []string
	for _, e := range strings.Split(s, ",") {
		e = strings.TrimSpace(e)
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}
