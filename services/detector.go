package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	vision "cloud.google.com/go/vision/apiv1"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"med-warehouse/config"
	"med-warehouse/models"
)

const maxDetections = 5

// productClassNames are the object classes treated as a product in the image
// category rule. The detection model's label names are opaque input here.
var productClassNames = map[string]struct{}{
	"bottle":         {},
	"cup":            {},
	"bowl":           {},
	"packaged goods": {},
}

// Detection is one detected object class with its confidence score.
type Detection struct {
	Class      string
	Confidence float64
}

// Detector enriches downloaded images with object detection results from a
// pretrained vision model and writes them to the raw detections table.
type Detector struct {
	Config *config.Config
	DB     *gorm.DB
	Logger *zap.Logger
}

// NewDetector creates a new image enrichment service.
func NewDetector(cfg *config.Config, db *gorm.DB, logger *zap.Logger) *Detector {
	return &Detector{Config: cfg, DB: db, Logger: logger}
}

// Run processes every image in the images directory. Unreadable images and
// failed detections are skipped with a warning, never fatal to the batch.
// Returns the number of processed images.
func (d *Detector) Run(ctx context.Context) (int, error) {
	if !d.Config.VisionEnabled {
		d.Logger.Info("Vision enrichment disabled, skipping")
		return 0, nil
	}

	var opts []option.ClientOption
	if d.Config.VisionCredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(d.Config.VisionCredentialsFile))
	}
	client, err := vision.NewImageAnnotatorClient(ctx, opts...)
	if err != nil {
		return 0, fmt.Errorf("creating vision client: %w", err)
	}
	defer client.Close()

	images, err := d.findImages()
	if err != nil {
		return 0, err
	}
	d.Logger.Info("Found images to process", zap.Int("count", len(images)))

	processed := 0
	byCategory := make(map[string]int)
	for _, img := range images {
		detections, err := d.detect(ctx, client, img.path)
		if err != nil {
			d.Logger.Warn("Skipping image",
				zap.String("path", img.path), zap.Error(err))
			continue
		}
		category := ClassifyImage(detections, d.Config.ConfidenceThreshold)
		row := buildDetectionRow(img.messageID, img.channel, img.path, category, detections)

		err = d.DB.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}, {Name: "channel_name"}},
			UpdateAll: true,
		}).Create(&row).Error
		if err != nil {
			return processed, fmt.Errorf("storing detection for %s: %w", img.path, err)
		}
		processed++
		byCategory[category]++
	}

	d.Logger.Info("Image enrichment complete",
		zap.Int("processed", processed),
		zap.Int("promotional", byCategory["promotional"]),
		zap.Int("product_display", byCategory["product_display"]),
		zap.Int("lifestyle", byCategory["lifestyle"]),
		zap.Int("other", byCategory["other"]))
	return processed, nil
}

type imageFile struct {
	path      string
	channel   string
	messageID int64
}

// findImages walks images/{channel}/{message_id}.jpg and returns all files
// whose name parses as a message id.
func (d *Detector) findImages() ([]imageFile, error) {
	var images []imageFile
	channels, err := os.ReadDir(d.Config.ImagesDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for _, ch := range channels {
		if !ch.IsDir() {
			continue
		}
		dir := filepath.Join(d.Config.ImagesDir, ch.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			d.Logger.Warn("Could not list channel images", zap.String("dir", dir), zap.Error(err))
			continue
		}
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if ext != ".jpg" && ext != ".jpeg" && ext != ".png" {
				continue
			}
			id, err := strconv.ParseInt(strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())), 10, 64)
			if err != nil {
				d.Logger.Debug("Ignoring image without message id name", zap.String("file", e.Name()))
				continue
			}
			images = append(images, imageFile{
				path:      filepath.Join(dir, e.Name()),
				channel:   ch.Name(),
				messageID: id,
			})
		}
	}
	return images, nil
}

// detect runs object localization on a single image file.
func (d *Detector) detect(ctx context.Context, client *vision.ImageAnnotatorClient, path string) ([]Detection, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := vision.NewImageFromReader(f)
	if err != nil {
		return nil, err
	}
	annotations, err := client.LocalizeObjects(ctx, img, nil)
	if err != nil {
		return nil, err
	}

	detections := make([]Detection, 0, len(annotations))
	for _, ann := range annotations {
		detections = append(detections, Detection{
			Class:      ann.Name,
			Confidence: float64(ann.Score),
		})
	}
	return TopDetections(detections, maxDetections), nil
}

// TopDetections returns at most n detections, highest confidence first.
func TopDetections(detections []Detection, n int) []Detection {
	sorted := make([]Detection, len(detections))
	copy(sorted, detections)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// ClassifyImage applies the category rule over the detected classes:
// person and product together are promotional, product alone is
// product_display, person alone is lifestyle, anything else is other.
func ClassifyImage(detections []Detection, threshold float64) string {
	hasPerson := false
	hasProduct := false
	for _, det := range detections {
		if det.Confidence < threshold {
			continue
		}
		name := strings.ToLower(det.Class)
		if name == "person" {
			hasPerson = true
		} else if _, ok := productClassNames[name]; ok {
			hasProduct = true
		}
	}
	switch {
	case hasPerson && hasProduct:
		return "promotional"
	case hasProduct:
		return "product_display"
	case hasPerson:
		return "lifestyle"
	default:
		return "other"
	}
}

// buildDetectionRow flattens the top detections into the raw table shape.
func buildDetectionRow(messageID int64, channel, path, category string, detections []Detection) models.RawImageDetection {
	row := models.RawImageDetection{
		MessageID:     messageID,
		ChannelName:   channel,
		ImagePath:     path,
		ImageCategory: category,
		NumDetections: len(detections),
	}

	classes := make([]string, 0, len(detections))
	for _, det := range detections {
		classes = append(classes, det.Class)
		if det.Confidence > row.MaxConfidence {
			row.MaxConfidence = det.Confidence
		}
	}
	row.DetectedClasses = strings.Join(classes, ",")

	set := func(i int, class *string, conf *float64) {
		if i < len(detections) {
			*class = detections[i].Class
			*conf = detections[i].Confidence
		}
	}
	set(0, &row.DetectedClass1, &row.Confidence1)
	set(1, &row.DetectedClass2, &row.Confidence2)
	set(2, &row.DetectedClass3, &row.Confidence3)
	set(3, &row.DetectedClass4, &row.Confidence4)
	set(4, &row.DetectedClass5, &row.Confidence5)
	return row
}
