package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"DistCommit/internal/config"
	"DistCommit/internal/grep"
	"DistCommit/internal/logger"
	"DistCommit/internal/mapreduce"
	"DistCommit/internal/output"
	"DistCommit/internal/task"
	"DistCommit/internal/types"
	"DistCommit/internal/umbilical"
)

const jobTokenEnv = "DISTCOMMIT_JOB_TOKEN"

type attemptFlags struct {
	arbiters   []string
	kind       string
	clusterTS  int64
	jobSeq     int
	taskIndex  int
	attemptNum int
	pattern    string
	inputs     []string
	outputDir  string
	workDirs   []string
	confFile   string
	partitions int
}

func runAttempt(lg *logger.Logger, f attemptFlags) error {
	kind := types.TaskKind(f.kind)
	if !kind.Valid() {
		return fmt.Errorf("invalid task kind %q", f.kind)
	}
	if f.outputDir == "" {
		return errors.New("-output is required")
	}
	if f.clusterTS == 0 {
		f.clusterTS = time.Now().UnixMilli()
	}

	var payload []byte
	if f.confFile != "" {
		b, err := os.ReadFile(f.confFile)
		if err != nil {
			return fmt.Errorf("failed to read configuration: %w", err)
		}
		payload = b
	}

	token := []byte(os.Getenv(jobTokenEnv))
	client, err := umbilical.NewClient(umbilical.ClientConfig{Addrs: f.arbiters, Token: token, Logger: lg})
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	containerID := "container-" + uuid.New().String()[:8]
	a := task.NewAttempt(kind, task.Options{
		Logger:      lg,
		Credentials: task.StaticCredentials(token),
		ContainerID: containerID,
	})

	spec := task.Spec{
		ClusterTimestamp: f.clusterTS,
		JobSequence:      f.jobSeq,
		TaskIndex:        f.taskIndex,
		AttemptNumber:    f.attemptNum,
		VertexName:       "grep-" + kind.String(),
		Payload:          payload,
		WorkDirs:         f.workDirs,
	}
	if err := a.Initialize(ctx, task.NewContext(spec, client)); err != nil {
		return err
	}
	a.SetCommitter(&output.FileCommitter{FS: a.FS(), Dir: f.outputDir})
	if err := a.InitTask(ctx); err != nil {
		return err
	}

	interval, err := a.Conf().GetDuration(config.ReportInterval, config.DefaultReportInterval)
	if err != nil {
		return err
	}
	stopReporter := a.StartReporter(ctx, interval)

	out := output.NewFileOutput(a.FS(), f.outputDir, a.ID())
	runErr := runUserCode(lg, a, f, out)
	stopReporter()

	if runErr != nil {
		lg.Error("Attempt %s failed: %v", a.ID(), runErr)
		if err := a.TaskCleanup(ctx); err != nil {
			lg.Warn("%v", err)
		}
		return runErr
	}

	if err := a.Done(ctx, out); err != nil {
		return err
	}
	lg.Info("Attempt %s finished: state=%s output=%s", a.ID(), a.State(), filepath.Join(f.outputDir, a.OutputName()))
	return nil
}

func runUserCode(lg *logger.Logger, a *task.Attempt, f attemptFlags, out *output.FileOutput) error {
	engine, err := mapreduce.NewEngine(mapreduce.Config{
		FS:          a.FS(),
		Counters:    a.TaskContext(),
		Parallelism: 4,
		Logger:      lg,
	})
	if err != nil {
		return err
	}

	dg, err := grep.New(f.pattern)
	if err != nil {
		return err
	}
	files, err := grep.CollectFiles(f.inputs)
	if err != nil {
		return err
	}

	w, err := out.Writer()
	if err != nil {
		return err
	}

	a.TaskContext().SetStatus(fmt.Sprintf("%s over %d files", a.Kind(), len(files)))
	if a.Kind() == types.MapTask {
		return engine.RunMap(files, dg, w)
	}
	return engine.RunReduce(files, a.ID().Task.Index, f.partitions, dg, w)
}
