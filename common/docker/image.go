package image

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
)

func ImageExists(ctx context.Context, cli client.ImageAPIClient, imageName string) (bool, error) {
	images, err := cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return false, fmt.Errorf("failed to list images: %v", err)
	}

	for _, image := range images {
		for _, tag := range image.RepoTags {
			if tag == imageName {
				return true, nil
			}
		}
	}

	return false, nil
}

// ImageBuild builds buildDirectory/Dockerfile and streams the build output to out.
func ImageBuild(ctx context.Context, cli client.ImageAPIClient, buildDirectory, tag string, out io.Writer) error {
	tar, err := archive.TarWithOptions(buildDirectory, &archive.TarOptions{})
	if err != nil {
		return err
	}
	defer tar.Close()

	buildOptions := types.ImageBuildOptions{
		Dockerfile: "Dockerfile",
		Tags:       []string{tag},
		Remove:     true,
	}

	buildResponse, err := cli.ImageBuild(ctx, tar, buildOptions)
	if err != nil {
		return err
	}
	defer buildResponse.Body.Close()

	_, err = io.Copy(out, buildResponse.Body)
	return err
}

// PullImage pulls imageName unless pull is false and the image is already present.
func PullImage(ctx context.Context, cli client.ImageAPIClient, imageName string, pull bool, out io.Writer) error {
	if !pull {
		exists, err := ImageExists(ctx, cli, imageName)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
	}

	reader, err := cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()

	_, err = io.Copy(out, reader)
	return err
}
