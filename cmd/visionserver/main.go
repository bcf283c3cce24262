// Package main runs the vision coprocessor server.
package main

import (
	"context"
	"reflect"

	"github.com/edaniels/golog"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.viam.com/utils"

	"github.com/opensight-robotics/opensight/camera"
	"github.com/opensight-robotics/opensight/config"
	"github.com/opensight-robotics/opensight/pipeline"
	"github.com/opensight-robotics/opensight/telemetry"
	"github.com/opensight-robotics/opensight/vision"
	"github.com/opensight-robotics/opensight/web"

	// These are the drivers and pipelines available by default.
	_ "github.com/opensight-robotics/opensight/camera/fake"
	_ "github.com/opensight-robotics/opensight/camera/webcam"
	_ "github.com/opensight-robotics/opensight/pipeline/colordetect"
	_ "github.com/opensight-robotics/opensight/pipeline/fake"
)

var logger = golog.NewDevelopmentLogger("visionserver")

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

// Arguments for the command.
type Arguments struct {
	ConfigFile  string `flag:"0,required,usage=server config file"`
	BindAddress string `flag:"bind,usage=web bind address (overrides config)"`
	NoWatch     bool   `flag:"no-watch,usage=do not reload the config on change"`
	Debug       bool   `flag:"debug,usage=enable debug logging"`
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) (err error) {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	if !argsParsed.Debug {
		loggerConfig := zap.NewDevelopmentConfig()
		loggerConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		baseLogger, err := loggerConfig.Build()
		if err != nil {
			return err
		}
		logger = baseLogger.Sugar().Named("visionserver")
	}

	conf, err := config.Read(argsParsed.ConfigFile)
	if err != nil {
		return err
	}

	var opts []vision.Option
	var publisher *telemetry.MQTTPublisher
	if conf.Telemetry.MQTTBroker != "" {
		publisher, err = telemetry.NewMQTTPublisher(conf.Telemetry.MQTTBroker, conf.Telemetry.ClientID, logger)
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Combine(err, publisher.Close())
		}()
		opts = append(opts, vision.WithResultSink(publisher))
	}

	manager := vision.NewManager(logger, opts...)
	defer func() {
		err = multierr.Combine(err, manager.Close(context.Background()))
	}()
	applyConfig(ctx, manager, conf, logger)

	bindAddress := conf.BindAddress()
	if argsParsed.BindAddress != "" {
		bindAddress = argsParsed.BindAddress
	}
	server := web.NewServer(manager, logger)
	if err := server.Start(bindAddress); err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, server.Close(context.Background()))
	}()

	var configs <-chan *config.Config
	if !argsParsed.NoWatch {
		watcher, err := config.NewWatcher(argsParsed.ConfigFile, logger)
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Combine(err, watcher.Close())
		}()
		configs = watcher.Config()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case newConf := <-configs:
			logger.Infow("config changed; reconciling", "path", argsParsed.ConfigFile)
			applyConfig(ctx, manager, newConf, logger)
		}
	}
}

// applyConfig reconciles the manager's topology with conf. Individual
// start failures are logged, not fatal, so one unplugged camera cannot
// keep the rest of the system down.
func applyConfig(ctx context.Context, manager *vision.Manager, conf *config.Config, logger golog.Logger) {
	wantCameras := map[string]bool{}
	for _, camConf := range conf.Cameras {
		wantCameras[camConf.ID] = true
	}
	wantPipelines := map[string]bool{}
	for _, pipeConf := range conf.Pipelines {
		wantPipelines[pipeConf.ID] = true
	}

	for _, running := range manager.Pipelines() {
		if !wantPipelines[running.ID] {
			if err := manager.StopPipeline(running.ID); err != nil {
				logger.Errorw("cannot stop removed pipeline", "pipeline", running.ID, "error", err)
			}
		}
	}
	for _, running := range manager.Cameras() {
		if !wantCameras[running.ID] {
			if err := manager.StopCamera(running.ID); err != nil {
				logger.Errorw("cannot stop removed camera", "camera", running.ID, "error", err)
			}
		}
	}

	runningCameras := map[string]bool{}
	for _, camConf := range conf.Cameras {
		current, running := findCamera(manager, camConf.ID)
		switch {
		case running && reflect.DeepEqual(current, camConf):
			// unchanged
		case running:
			if err := manager.RestartCamera(ctx, camConf); err != nil {
				logger.Errorw("cannot restart camera", "camera", camConf.ID, "error", err)
				continue
			}
		default:
			if err := manager.StartCamera(ctx, camConf); err != nil {
				logger.Errorw("cannot start camera", "camera", camConf.ID, "error", err)
				continue
			}
		}
		runningCameras[camConf.ID] = true
	}

	for _, pipeConf := range conf.Pipelines {
		if !runningCameras[pipeConf.CameraID] {
			logger.Warnw("skipping pipeline; its camera is not running",
				"pipeline", pipeConf.ID, "camera", pipeConf.CameraID)
			continue
		}
		current, running := findPipeline(manager, pipeConf.ID)
		switch {
		case running && reflect.DeepEqual(current, pipeConf):
			// unchanged
		case running && settingsOnlyChange(current, pipeConf):
			if err := manager.UpdatePipelineConfig(pipeConf.ID, pipeConf.Settings); err != nil {
				logger.Errorw("cannot update pipeline settings", "pipeline", pipeConf.ID, "error", err)
			}
		case running:
			if err := manager.StopPipeline(pipeConf.ID); err != nil {
				logger.Errorw("cannot stop pipeline for reconfigure", "pipeline", pipeConf.ID, "error", err)
				continue
			}
			fallthrough
		default:
			if err := manager.StartPipeline(ctx, pipeConf); err != nil {
				logger.Errorw("cannot start pipeline", "pipeline", pipeConf.ID, "error", err)
			}
		}
	}
}

// settingsOnlyChange reports whether next differs from current only in
// its settings blob, in which case a live update beats a restart.
func settingsOnlyChange(current, next pipeline.Config) bool {
	current.Settings = nil
	next.Settings = nil
	return reflect.DeepEqual(current, next)
}

func findCamera(manager *vision.Manager, id string) (camera.Config, bool) {
	for _, conf := range manager.Cameras() {
		if conf.ID == id {
			return conf, true
		}
	}
	return camera.Config{}, false
}

func findPipeline(manager *vision.Manager, id string) (pipeline.Config, bool) {
	for _, conf := range manager.Pipelines() {
		if conf.ID == id {
			return conf, true
		}
	}
	return pipeline.Config{}, false
}
