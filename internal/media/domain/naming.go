package domain

import (
	"path"
	"strings"
)

const (
	// UploadedMarker 上傳階段的檔名標記
	UploadedMarker = "_uploaded_"
	// TranscodedMarker 轉碼階段的檔名標記
	TranscodedMarker = "_transcoded_"
)

// DeriveOutputName swap the first upload-stage marker with the transcode-stage marker.
// Names without a marker are returned unchanged.
func DeriveOutputName(fileName string) string {
	return strings.Replace(fileName, UploadedMarker, TranscodedMarker, 1)
}

// WithExtension replace the extension of the last path element with ext
func WithExtension(fileName, ext string) string {
	base := path.Base(fileName)
	if e := path.Ext(base); e != "" && e != base {
		fileName = strings.TrimSuffix(fileName, e)
	}
	return fileName + ext
}

// ImageOutputName photo_uploaded_abc.png -> photo_transcoded_abc.jpg
func ImageOutputName(fileName string) string {
	return WithExtension(DeriveOutputName(fileName), ".jpg")
}

// VideoOutputName clip_uploaded_xyz.mov -> clip_transcoded_xyz.mp4
func VideoOutputName(fileName string) string {
	return WithExtension(DeriveOutputName(fileName), ".mp4")
}
