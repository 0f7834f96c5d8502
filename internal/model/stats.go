package model

// Stats tracks logical usage per owner. UsedStorage counts every record at
// full size, SavedStorage is what deduplication avoided storing.
type Stats struct {
	UserID        string `gorm:"primaryKey" json:"-"`
	UsedStorage   int64  `json:"usedStorage"`
	SavedStorage  int64  `json:"savedStorage"`
	UploadedFiles int    `json:"uploadedFiles"`
}
