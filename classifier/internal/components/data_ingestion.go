package components

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/lungscan/classifier-broker/classifier/entity"
	"github.com/lungscan/classifier-broker/common/errors"
	"github.com/lungscan/classifier-broker/common/log"
	"github.com/lungscan/classifier-broker/common/util"
)

const driveDownloadURL = "https://drive.google.com/uc"

type DataIngestion struct {
	config     entity.DataIngestionConfig
	httpClient *http.Client
	logger     log.Logger
}

func NewDataIngestion(config entity.DataIngestionConfig, logger log.Logger) *DataIngestion {
	return &DataIngestion{
		config:     config,
		httpClient: http.DefaultClient,
		logger:     logger.WithFields(logrus.Fields{"component": "data_ingestion"}),
	}
}

// DownloadURL returns the URL the archive is fetched from. Google Drive share
// links are turned into direct-download links.
func DownloadURL(source string) string {
	u, err := url.Parse(source)
	if err != nil || !strings.HasSuffix(u.Host, "drive.google.com") {
		return source
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "file" && parts[i+1] == "d" {
			q := url.Values{}
			q.Set("export", "download")
			q.Set("confirm", "t")
			q.Set("id", parts[i+2])
			return driveDownloadURL + "?" + q.Encode()
		}
	}
	return source
}

// DownloadFile fetches the archive to local_data_file and returns its path.
// The file is written under a temporary name and renamed on success.
func (d *DataIngestion) DownloadFile(ctx context.Context) (string, error) {
	dest := d.config.LocalDataFile
	source := DownloadURL(d.config.SourceURL)
	d.logger.Infof("Downloading data from %s into file %s", d.config.SourceURL, dest)

	if err := util.CreateDirectories(filepath.Dir(dest)); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "download dataset")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("download dataset: %s returned %s", source, resp.Status)
	}
	if mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mediaType == "text/html" {
		return "", fmt.Errorf("download dataset: %s returned an HTML page instead of an archive", source)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.part")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hash), resp.Body); err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "download dataset")
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if want := d.config.SHA256; want != "" {
		got := hex.EncodeToString(hash.Sum(nil))
		if !strings.EqualFold(got, want) {
			return "", fmt.Errorf("dataset checksum mismatch: got %s, want %s", got, want)
		}
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", err
	}

	size, err := util.GetSize(dest)
	if err != nil {
		return "", err
	}
	d.logger.Infof("Downloaded data from %s into file %s of size %s", d.config.SourceURL, dest, size)
	return dest, nil
}

// ExtractZipFile unpacks the downloaded archive into unzip_dir.
func (d *DataIngestion) ExtractZipFile() error {
	if err := util.ExtractZip(d.config.LocalDataFile, d.config.UnzipDir); err != nil {
		return errors.Wrapf(err, "extract %s", d.config.LocalDataFile)
	}
	d.logger.Infof("Extracted %s into %s", d.config.LocalDataFile, d.config.UnzipDir)
	return nil
}
