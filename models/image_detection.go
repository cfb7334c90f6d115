package models

import (
	"time"
)

// RawImageDetection is the enrichment output for one processed image: the top
// five detected object classes with confidence scores and the derived image
// category. Reruns replace the row for the same (message_id, channel_name).
type RawImageDetection struct {
	ID       uint      `json:"id" gorm:"primaryKey"`
	LoadedAt time.Time `json:"loaded_at" gorm:"autoCreateTime"`

	MessageID   int64  `json:"message_id" gorm:"uniqueIndex:idx_detection_message_channel;not null"`
	ChannelName string `json:"channel_name" gorm:"uniqueIndex:idx_detection_message_channel;size:255;not null"`
	ImagePath   string `json:"image_path" gorm:"size:500"`

	// promotional, product_display, lifestyle or other
	ImageCategory string `json:"image_category" gorm:"size:50;index"`

	NumDetections   int     `json:"num_detections"`
	MaxConfidence   float64 `json:"max_confidence"`
	DetectedClasses string  `json:"detected_classes" gorm:"type:text"`

	DetectedClass1 string  `json:"detected_class_1,omitempty" gorm:"size:100"`
	Confidence1    float64 `json:"confidence_1,omitempty"`
	DetectedClass2 string  `json:"detected_class_2,omitempty" gorm:"size:100"`
	Confidence2    float64 `json:"confidence_2,omitempty"`
	DetectedClass3 string  `json:"detected_class_3,omitempty" gorm:"size:100"`
	Confidence3    float64 `json:"confidence_3,omitempty"`
	DetectedClass4 string  `json:"detected_class_4,omitempty" gorm:"size:100"`
	Confidence4    float64 `json:"confidence_4,omitempty"`
	DetectedClass5 string  `json:"detected_class_5,omitempty" gorm:"size:100"`
	Confidence5    float64 `json:"confidence_5,omitempty"`
}

// TableName pins the raw layer table name.
func (RawImageDetection) TableName() string {
	return "raw_image_detections"
}
