package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/k11v/kiln/internal/upload"
	"github.com/k11v/kiln/internal/upload/uploadpg"
)

type runWithDeps = func(run func(cmd *cobra.Command, d *deps) error) func(*cobra.Command, []string) error

type versionFlags struct {
	user    string
	model   string
	version string
}

func (f *versionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.user, "user", "", "name of the uploading user")
	cmd.Flags().StringVar(&f.model, "model", "", "model name")
	cmd.Flags().StringVar(&f.version, "version", "", "version name, used as the image tag")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("version")
}

func newZipCmd(withDeps runWithDeps) *cobra.Command {
	var (
		vf            versionFlags
		codePath      string
		binaryPath    string
		seldonVersion string
	)

	cmd := &cobra.Command{
		Use:   "zip",
		Short: "Upload zipped model code and queue an s2i build",
		Args:  cobra.NoArgs,
	}
	vf.register(cmd)
	cmd.Flags().StringVar(&codePath, "code", "", "path to code.zip")
	cmd.Flags().StringVar(&binaryPath, "binary", "", "path to binary.zip (optional)")
	cmd.Flags().StringVar(&seldonVersion, "seldon-version", "", "s2i builder image (optional)")
	_ = cmd.MarkFlagRequired("code")

	cmd.RunE = withDeps(func(cmd *cobra.Command, d *deps) error {
		ctx := cmd.Context()
		prefix := uuid.NewString()

		var files upload.VersionFiles
		var err error
		files.RawCodePath, err = uploadFile(ctx, d, prefix, "code.zip", codePath)
		if err != nil {
			return err
		}
		if binaryPath != "" {
			files.RawBinaryPath, err = uploadFile(ctx, d, prefix, "binary.zip", binaryPath)
			if err != nil {
				return err
			}
		}

		return enqueue(ctx, cmd, d, &vf, upload.TypeZip, files, upload.BuildOptions{SeldonVersion: seldonVersion})
	})
	return cmd
}

func newDockerCmd(withDeps runWithDeps) *cobra.Command {
	var (
		vf        versionFlags
		imagePath string
	)

	cmd := &cobra.Command{
		Use:   "docker",
		Short: "Upload a saved image tarball and queue its push",
		Args:  cobra.NoArgs,
	}
	vf.register(cmd)
	cmd.Flags().StringVar(&imagePath, "image", "", "path to the image tarball, as written by docker save")
	_ = cmd.MarkFlagRequired("image")

	cmd.RunE = withDeps(func(cmd *cobra.Command, d *deps) error {
		ctx := cmd.Context()

		key, err := uploadFile(ctx, d, uuid.NewString(), "docker.tar", imagePath)
		if err != nil {
			return err
		}

		return enqueue(ctx, cmd, d, &vf, upload.TypeDocker, upload.VersionFiles{RawDockerPath: key}, upload.BuildOptions{})
	})
	return cmd
}

func uploadFile(ctx context.Context, d *deps, prefix, name, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	key := path.Join(prefix, name)
	if err = d.storage.Upload(ctx, key, f); err != nil {
		return "", fmt.Errorf("upload %s: %w", localPath, err)
	}
	return key, nil
}

func enqueue(ctx context.Context, cmd *cobra.Command, d *deps, vf *versionFlags, typ upload.Type, files upload.VersionFiles, opts upload.BuildOptions) error {
	user, err := d.db.EnsureUser(ctx, &uploadpg.DatabaseEnsureUserParams{Name: vf.user})
	if err != nil {
		return err
	}

	modelID, err := d.db.EnsureModel(ctx, &uploadpg.DatabaseEnsureModelParams{OwnerID: user.ID, Name: vf.model})
	if err != nil {
		return err
	}

	version, err := d.db.CreateVersion(ctx, &uploadpg.DatabaseCreateVersionParams{
		ModelID:      modelID,
		Name:         vf.version,
		Files:        files,
		BuildOptions: opts,
	})
	if errors.Is(err, uploadpg.ErrVersionExists) {
		return fmt.Errorf("%s:%s: %w", vf.model, vf.version, err)
	}
	if err != nil {
		return err
	}

	err = d.publisher.PublishJSON(ctx, &upload.Job{
		UserID:    user.ID,
		VersionID: version.ID,
		Type:      typ,
	})
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.ID)
	return nil
}
