package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"docmind/pkg/domain"
)

// Result is everything pulled out of one PDF: page-scoped text chunks, the
// embedded images, and document-level metadata.
type Result struct {
	PageCount int
	Title     string
	Author    string
	Chunks    []domain.Chunk
	Images    []domain.ExtractedImage
}

// Extractor turns a raw PDF byte stream into chunks and images. Text comes
// from per-page content items, images and metadata from pdfcpu.
type Extractor struct {
	chunkSize    int
	chunkOverlap int
	tempDir      string
}

// New builds an extractor with the given rune chunking window.
func New(chunkSize, chunkOverlap int) *Extractor {
	if chunkSize <= 0 {
		chunkSize = 800
	}
	if chunkOverlap < 0 {
		chunkOverlap = 0
	}
	tempDir := filepath.Join(os.TempDir(), "docmind-extract")
	_ = os.MkdirAll(tempDir, 0o755)
	return &Extractor{chunkSize: chunkSize, chunkOverlap: chunkOverlap, tempDir: tempDir}
}

// Extract parses the document. A PDF that yields no text at all is an error;
// image extraction is best-effort and never fails the document by itself.
func (e *Extractor) Extract(docID string, data []byte) (*Result, error) {
	tempFile := filepath.Join(e.tempDir, fmt.Sprintf("doc_%s.pdf", docID))
	if err := os.WriteFile(tempFile, data, 0o644); err != nil {
		return nil, fmt.Errorf("write temp pdf: %w", err)
	}
	defer os.Remove(tempFile)

	res := &Result{}
	e.readMetadata(tempFile, res)

	chunks, err := e.extractText(tempFile)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("no text extracted from pdf")
	}
	res.Chunks = chunks
	res.Images = e.extractImages(tempFile, docID)
	if res.PageCount == 0 {
		for _, c := range chunks {
			if c.Page > res.PageCount {
				res.PageCount = c.Page
			}
		}
	}
	return res, nil
}

// readMetadata fills page count and title/author via pdfcpu, best-effort.
func (e *Extractor) readMetadata(path string, res *Result) {
	pdfCtx, err := api.ReadContextFile(path)
	if err != nil {
		return
	}
	res.PageCount = pdfCtx.PageCount
	res.Title = strings.TrimSpace(pdfCtx.Title)
	res.Author = strings.TrimSpace(pdfCtx.Author)
}

func (e *Extractor) extractText(path string) ([]domain.Chunk, error) {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer file.Close()
	totalPages := reader.NumPage()
	var chunks []domain.Chunk
	for pageNum := 1; pageNum <= totalPages; pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		// Skip problematic pages instead of failing the whole document.
		pageChunks, err := e.extractPage(page, pageNum)
		if err != nil {
			continue
		}
		chunks = append(chunks, pageChunks...)
	}
	return chunks, nil
}

// extractPage groups the page's positioned text items into rune-budgeted
// chunks, tracking the bounding box and dominant font of each group.
func (e *Extractor) extractPage(page pdf.Page, pageNum int) (chunks []domain.Chunk, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("page %d content: %v", pageNum, r)
		}
	}()
	content := page.Content()
	if len(content.Text) == 0 {
		return nil, nil
	}
	pageTop, pageBottom := content.Text[0].Y, content.Text[0].Y
	for _, item := range content.Text {
		if item.Y > pageTop {
			pageTop = item.Y
		}
		if item.Y < pageBottom {
			pageBottom = item.Y
		}
	}

	var (
		sb    strings.Builder
		group []pdf.Text
		lastY = content.Text[0].Y
	)
	flush := func() {
		text := normalizeText(sb.String())
		if text != "" && len(group) > 0 {
			bbox := groupBBox(group)
			kind := classify(group, pageTop, pageBottom)
			style := groupStyle(group)
			// A single run of items can overshoot the budget; re-split into
			// overlapping rune windows so no chunk exceeds the window size.
			for _, part := range ChunkText(text, e.chunkSize, e.chunkOverlap) {
				chunks = append(chunks, domain.Chunk{
					Page:    pageNum,
					BBox:    bbox,
					Type:    kind,
					Content: part,
					Style:   style,
				})
			}
		}
		sb.Reset()
		group = nil
	}
	for _, item := range content.Text {
		if item.S == "" {
			continue
		}
		if item.Y != lastY {
			sb.WriteString(" ")
			lastY = item.Y
		}
		sb.WriteString(item.S)
		group = append(group, item)
		if sb.Len() >= e.chunkSize {
			flush()
		}
	}
	flush()
	return chunks, nil
}

func groupBBox(group []pdf.Text) domain.BoundingBox {
	minX, minY := group[0].X, group[0].Y
	maxX, maxY := group[0].X, group[0].Y
	for _, item := range group {
		right := item.X + item.W
		top := item.Y + item.FontSize
		if item.X < minX {
			minX = item.X
		}
		if item.Y < minY {
			minY = item.Y
		}
		if right > maxX {
			maxX = right
		}
		if top > maxY {
			maxY = top
		}
	}
	return domain.BoundingBox{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}

// classify tags groups hugging the top or bottom of the page's text span as
// header/footer. Table detection is out of reach of plain content items.
func classify(group []pdf.Text, pageTop, pageBottom float64) domain.ChunkType {
	span := pageTop - pageBottom
	if span <= 0 {
		return domain.ChunkText
	}
	minY, maxY := group[0].Y, group[0].Y
	for _, item := range group {
		if item.Y < minY {
			minY = item.Y
		}
		if item.Y > maxY {
			maxY = item.Y
		}
	}
	if minY > pageTop-span*0.08 {
		return domain.ChunkHeader
	}
	if maxY < pageBottom+span*0.08 {
		return domain.ChunkFooter
	}
	return domain.ChunkText
}

func groupStyle(group []pdf.Text) map[string]string {
	first := group[0]
	style := map[string]string{}
	if first.Font != "" {
		style["font"] = first.Font
	}
	if first.FontSize > 0 {
		style["fontSize"] = strconv.FormatFloat(first.FontSize, 'f', 1, 64)
	}
	if len(style) == 0 {
		return nil
	}
	return style
}

// extractImages pulls embedded images out via pdfcpu into a scratch dir and
// reads them back with their page numbers. Best-effort: any failure yields an
// empty image set.
func (e *Extractor) extractImages(path, docID string) []domain.ExtractedImage {
	outDir := filepath.Join(e.tempDir, "images_"+docID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil
	}
	defer os.RemoveAll(outDir)
	conf := model.NewDefaultConfiguration()
	if err := api.ExtractImagesFile(path, outDir, nil, conf); err != nil {
		return nil
	}
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil
	}
	var images []domain.ExtractedImage
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		payload, err := os.ReadFile(filepath.Join(outDir, entry.Name()))
		if err != nil || len(payload) == 0 {
			continue
		}
		images = append(images, domain.ExtractedImage{
			Page:        imagePageNumber(entry.Name()),
			Payload:     payload,
			ContentType: imageContentType(entry.Name()),
		})
	}
	return images
}

// imagePageNumber parses the page out of pdfcpu's image file naming
// (<base>_<page>_<resource>.<ext>).
func imagePageNumber(name string) int {
	name = strings.TrimSuffix(name, filepath.Ext(name))
	parts := strings.Split(name, "_")
	for i := len(parts) - 1; i >= 0; i-- {
		if n, err := strconv.Atoi(parts[i]); err == nil && n > 0 {
			return n
		}
	}
	return 1
}

func imageContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".tif", ".tiff":
		return "image/tiff"
	default:
		return "image/png"
	}
}

func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return strings.Join(strings.Fields(text), " ")
}

// ChunkText splits normalized text into overlapping rune windows.
func ChunkText(text string, size, overlap int) []string {
	if size <= 0 {
		return nil
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		part := strings.TrimSpace(string(runes[start:end]))
		if part != "" {
			chunks = append(chunks, part)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}
