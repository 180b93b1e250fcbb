package backend

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/system"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/docker/quota"
	"github.com/sirupsen/logrus"

	"github.com/lungscan/classifier-broker/classifier/config"
	"github.com/lungscan/classifier-broker/classifier/internal/utils"
	image "github.com/lungscan/classifier-broker/common/docker"
	"github.com/lungscan/classifier-broker/common/errors"
	"github.com/lungscan/classifier-broker/common/log"
)

// ContainerRunnerScript is where the execution image installs the runner.
const ContainerRunnerScript = "/app/runner.py"

// dockerInvoker runs each operation in a fresh container of the execution
// image with the workspace bind-mounted.
type dockerInvoker struct {
	config config.Backend
	logger log.Logger
}

// NewDockerFramework returns a Framework backed by the execution image.
func NewDockerFramework(workspace string, cfg config.Backend, logger log.Logger) Framework {
	inv := &dockerInvoker{
		config: cfg,
		logger: logger.WithFields(logrus.Fields{"backend": "docker"}),
	}
	return newRunnerFramework(workspace, inv, logger)
}

func (c *dockerInvoker) inContainer() bool { return true }

// EnsureImage builds the execution image, or pulls it when image building
// is disabled.
func EnsureImage(ctx context.Context, cfg config.Backend, logger log.Logger) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return errors.Wrap(err, "create docker client")
	}
	defer cli.Close()

	imageName := cfg.ExecutionImageName
	out := logger.WithFields(logrus.Fields{"image": imageName}).WriterLevel(logrus.DebugLevel)
	defer out.Close()

	if !cfg.BuildImage {
		return image.PullImage(ctx, cli, imageName, false, out)
	}

	if !cfg.OverrideImage {
		exists, err := image.ImageExists(ctx, cli, imageName)
		if err != nil {
			return err
		}
		logger.Debugf("Docker image: %s, exist: %v.", imageName, exists)
		if exists {
			return nil
		}
	}

	logger.Infof("build image %s", imageName)
	if err := image.ImageBuild(ctx, cli, cfg.DockerfilePath, imageName, out); err != nil {
		return errors.Wrap(err, "build execution image")
	}
	logger.Infof("docker image %s built successfully!", imageName)
	return nil
}

func (c *dockerInvoker) invoke(ctx context.Context, paths *utils.RunPaths) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		c.logger.Errorf("Failed to create Docker client: %v", err)
		return err
	}
	defer cli.Close()

	info, err := cli.Info(ctx)
	if err != nil {
		return err
	}
	hostConfig := generateHostConfig(info, c.config, paths, c.logger)

	containerID, err := c.createContainer(ctx, cli, paths, hostConfig)
	if err != nil {
		return err
	}
	defer c.cleanupContainer(cli, containerID)

	if err := cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		c.logger.Errorf("Failed to start container: %v", err)
		return err
	}

	exitCode, waitErr := c.waitForContainer(ctx, cli, containerID)
	if err := c.fetchContainerLogs(context.WithoutCancel(ctx), cli, containerID); err != nil {
		c.logger.Warnf("failed to fetch container logs: %v", err)
	}
	if waitErr != nil {
		return waitErr
	}
	if exitCode != 0 {
		return fmt.Errorf("container %s exited with status %d", containerID, exitCode)
	}
	return nil
}

func generateHostConfig(info system.Info, cfg config.Backend, paths *utils.RunPaths, logger log.Logger) *container.HostConfig {
	storageOpt := make(map[string]string)
	if cfg.Quota.Storage > 0 {
		if info.Driver == "overlay2" && len(info.DriverStatus) > 0 && info.DriverStatus[0][1] == "xfs" {
			if _, err := quota.NewControl(paths.Workspace); err == nil {
				storageOpt["size"] = fmt.Sprintf("%vG", cfg.Quota.Storage)
			} else {
				logger.Warn("Filesystem does not support pquota mount option.")
			}
		} else {
			logger.Debug("Storage Option only supported for backingFS XFS.")
		}
	}

	runtime := ""
	deviceRequests := make([]container.DeviceRequest, 0)
	if cfg.GPU {
		if _, ok := info.Runtimes["nvidia"]; ok {
			runtime = "nvidia"

			if info.OSType == "linux" {
				deviceRequests = append(deviceRequests, container.DeviceRequest{
					Count:        int(cfg.Quota.GpuCount),
					Capabilities: [][]string{{"gpu"}},
				})
			} else {
				logger.Warnf("DeviceRequests is only supported on Linux. Current os type: %v.", info.OSType)
			}
		} else {
			logger.Warn("nvidia runtime not found, training on CPU.")
		}
	}

	resources := container.Resources{DeviceRequests: deviceRequests}

	if cpuCount := cfg.Quota.CpuCount; cpuCount > 0 {
		if cpuCount > int64(info.NCPU) && info.NCPU > 0 {
			logger.Warnf("Limit CPU count to total CPU %v, expected: %v.", info.NCPU, cpuCount)
			cpuCount = int64(info.NCPU)
		}
		resources.NanoCPUs = cpuCount * 1e9
	}

	if memory := cfg.Quota.Memory * 1024 * 1024 * 1024; memory > 0 {
		if memory > info.MemTotal && info.MemTotal > 0 {
			logger.Warnf("Limit memory to total memory %v, expected: %v.", info.MemTotal, memory)
			memory = info.MemTotal
		}
		resources.Memory = memory
	}

	return &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: paths.Workspace,
				Target: utils.ContainerBasePath,
			},
		},
		Runtime:    runtime,
		Resources:  resources,
		StorageOpt: storageOpt,
	}
}

func containerCommand(paths *utils.RunPaths) []string {
	return []string{
		"python",
		ContainerRunnerScript,
		"--request", paths.ContainerRequest,
		"--result", paths.ContainerResult,
	}
}

func (c *dockerInvoker) createContainer(ctx context.Context, cli *client.Client, paths *utils.RunPaths, hostConfig *container.HostConfig) (string, error) {
	containerConfig := &container.Config{
		Image:      c.config.ExecutionImageName,
		Cmd:        containerCommand(paths),
		WorkingDir: utils.ContainerBasePath,
	}

	resp, err := cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		c.logger.Errorf("Failed to create container: %v", err)
		return "", err
	}

	c.logger.Infof("Container %s created successfully. Now starting...", resp.ID)
	return resp.ID, nil
}

func (c *dockerInvoker) cleanupContainer(cli *client.Client, containerID string) {
	err := cli.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil {
		c.logger.Errorf("Failed to remove container: %v", err)
	} else {
		c.logger.Infof("Container %s removed successfully", containerID)
	}
}

func (c *dockerInvoker) waitForContainer(ctx context.Context, cli *client.Client, containerID string) (int64, error) {
	statusCh, errCh := cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			c.logger.Errorf("Error waiting for container: %v", err)
			return 0, err
		}
	case status := <-statusCh:
		c.logger.Infof("Container %s has stopped", containerID)
		if status.Error != nil {
			return status.StatusCode, errors.New(status.Error.Message)
		}
		return status.StatusCode, nil
	case <-ctx.Done():
		if err := cli.ContainerStop(context.Background(), containerID, container.StopOptions{}); err != nil {
			c.logger.Errorf("Error stopping container: %v", err)
		}
		return 0, errors.Wrap(ctx.Err(), "runner was canceled or timed out")
	}

	return 0, nil
}

func (c *dockerInvoker) fetchContainerLogs(ctx context.Context, cli *client.Client, containerID string) error {
	out, err := cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return err
	}
	defer out.Close()

	logger := c.logger.WithFields(logrus.Fields{"container": shortID(containerID)})
	stdout := logger.WriterLevel(logrus.DebugLevel)
	defer stdout.Close()
	stderr := logger.WriterLevel(logrus.WarnLevel)
	defer stderr.Close()

	_, err = stdcopy.StdCopy(stdout, stderr, out)
	return err
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
