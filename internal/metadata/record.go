package metadata

import "time"

// Record 是一条已上传媒体的元数据；RemoteRef 为远端 file_id，从不对外输出。
type Record struct {
	ID           string    `json:"id"`
	RemoteRef    string    `json:"-"`
	ContentType  string    `json:"file_type"`
	OriginalName string    `json:"original_name"`
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewRecord 是 Save 的入参，ID 与 CreatedAt 由仓库生成。
type NewRecord struct {
	RemoteRef    string
	ContentType  string
	OriginalName string
	Size         int64
}
