// Backup utility: dumps the warehouse database and archives the data lake
// message tree, uploads both to S3 and rotates old backups.
package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"med-warehouse/storage"
)

type BackupConfig struct {
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" default:"medical_warehouse"`

	MessagesDir string `envconfig:"MESSAGES_DIR" default:"data/raw/telegram_messages"`

	BackupBucket    string `envconfig:"BACKUP_S3_BUCKET" required:"true"`
	BackupEndpoint  string `envconfig:"BACKUP_S3_URL" required:"true"`
	BackupAccessKey string `envconfig:"BACKUP_S3_KEY" required:"true"`
	BackupSecretKey string `envconfig:"BACKUP_S3_SECRET" required:"true"`
	BackupRegion    string `envconfig:"BACKUP_S3_REGION" required:"true"`
	KeepBackups     int    `envconfig:"KEEP_BACKUPS" default:"4"`
}

func main() {
	log.Println("Starting backup run...")

	_ = godotenv.Load()
	var cfg BackupConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	ctx := context.Background()
	s3Client, err := storage.NewS3Client(ctx, cfg.BackupEndpoint, cfg.BackupRegion, cfg.BackupAccessKey, cfg.BackupSecretKey)
	if err != nil {
		log.Fatalf("Error creating S3 client: %v", err)
	}

	stamp := time.Now().UTC().Format("2006-01-02T15-04-05Z")

	// 1. Database dump
	dumpData, err := createDump(cfg)
	if err != nil {
		log.Fatalf("Error creating database dump: %v", err)
	}
	dumpKey := fmt.Sprintf("backup-%s.sql.gz", stamp)
	if _, err := storage.UploadFile(ctx, s3Client, cfg.BackupEndpoint, cfg.BackupBucket, dumpKey, dumpData); err != nil {
		log.Fatalf("Error uploading database dump: %v", err)
	}
	log.Printf("Database dump uploaded to s3://%s/%s", cfg.BackupBucket, dumpKey)

	// 2. Data lake archive
	lakeData, err := archiveLake(cfg.MessagesDir)
	if err != nil {
		log.Printf("Skipping lake archive: %v", err)
	} else if lakeData != nil {
		lakeKey := fmt.Sprintf("lake-%s.tar.gz", stamp)
		if _, err := storage.UploadFile(ctx, s3Client, cfg.BackupEndpoint, cfg.BackupBucket, lakeKey, lakeData); err != nil {
			log.Fatalf("Error uploading lake archive: %v", err)
		}
		log.Printf("Data lake archive uploaded to s3://%s/%s", cfg.BackupBucket, lakeKey)
	}

	// 3. Rotation
	if err := rotateBackups(ctx, s3Client, cfg, "backup-"); err != nil {
		log.Fatalf("Error rotating database backups: %v", err)
	}
	if err := rotateBackups(ctx, s3Client, cfg, "lake-"); err != nil {
		log.Fatalf("Error rotating lake archives: %v", err)
	}

	log.Println("Backup run finished.")
}

func createDump(cfg BackupConfig) ([]byte, error) {
	cmd := exec.Command("pg_dump",
		"-h", cfg.DBHost,
		"-U", cfg.DBUser,
		"-d", cfg.DBName,
		"-w", // password comes from PGPASSWORD
	)
	cmd.Env = append(os.Environ(), fmt.Sprintf("PGPASSWORD=%s", cfg.DBPassword))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)
	if _, err := io.Copy(gzipWriter, stdout); err != nil {
		return nil, err
	}
	if err := gzipWriter.Close(); err != nil {
		return nil, err
	}
	if err := cmd.Wait(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// archiveLake packs the partitioned message tree into a tar.gz archive.
func archiveLake(messagesDir string) ([]byte, error) {
	if _, err := os.Stat(messagesDir); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)
	tarWriter := tar.NewWriter(gzipWriter)

	err := filepath.WalkDir(messagesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(messagesDir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		header := &tar.Header{
			Name:    filepath.ToSlash(rel),
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: time.Now(),
		}
		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}
		_, err = tarWriter.Write(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tarWriter.Close(); err != nil {
		return nil, err
	}
	if err := gzipWriter.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func rotateBackups(ctx context.Context, client *s3.Client, cfg BackupConfig, prefix string) error {
	output, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(cfg.BackupBucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return err
	}

	if len(output.Contents) <= cfg.KeepBackups {
		return nil
	}

	sort.Slice(output.Contents, func(i, j int) bool {
		return output.Contents[i].LastModified.After(*output.Contents[j].LastModified)
	})

	for _, obj := range output.Contents[cfg.KeepBackups:] {
		if !strings.HasPrefix(*obj.Key, prefix) {
			continue
		}
		log.Printf("Deleting old backup: %s", *obj.Key)
		_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(cfg.BackupBucket),
			Key:    obj.Key,
		})
		if err != nil {
			log.Printf("Error deleting %s: %v", *obj.Key, err)
		}
	}

	return nil
}
