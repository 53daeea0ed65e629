// Package compose lays out the participation sheet PDF: the captured map
// view, the handwriting area, and one block per stored report, paginated.
//
// All geometry is in millimetres on A4 portrait (210×297). The captured
// image is scaled to the fixed content width; its height always follows the
// image's actual pixel aspect ratio, never the requested capture geometry,
// so the map is never stretched.
package compose

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/stadtlab/schulwegcheck/report"
)

// Page geometry, mm.
const (
	pageWidth  = 210.0
	marginLeft = 15.0

	// ContentWidth is the fixed width images and text are laid out at.
	ContentWidth = pageWidth - 2*marginLeft

	bannerHeight     = 24.0
	reportTopMargin  = 20.0
	maxContentY      = 270.0 // near-bottom threshold: break before a block crosses it
	annotationBottom = 272.0 // bottom edge of the ruled handwriting box
	footerY          = 289.0
	ruleSpacing      = 8.0 // pitch of the handwriting guide lines
	lineHeight       = 5.0
)

// Fixed document text.
const (
	titleText       = "Schulwegcheck: Beteiligungsbogen"
	imageCaption    = "Kartenausschnitt mit den gemeldeten Stellen"
	notesHeading    = "Ihre Anmerkungen"
	notesBody       = "Bitte ergänzen Sie hier handschriftlich weitere Hinweise zu Ihrem Schulweg. Markieren Sie die betreffenden Stellen auf dem Kartenausschnitt und beschreiben Sie kurz, worum es sich handelt. Den ausgefüllten Bogen können Sie bei der Stadtverwaltung abgeben."
	reportsHeading  = "Gemeldete Punkte"
	descriptionTag  = "Beschreibung: "
	footerText      = "Schulwegcheck, eine Beteiligungsaktion Ihrer Stadtverwaltung"
	labelDanger     = "Gefahrenstelle"
	labelSafe       = "Sicherer Bereich"
	labelUnknownCat = "Meldung"
)

// ErrNoImage is returned when Compose is called without a usable capture.
var ErrNoImage = errors.New("compose: missing capture image")

// Input carries everything the composer needs. ImageWidth/ImageHeight are
// the capture's actual pixel dimensions, which may differ from the requested
// capture geometry on scaled displays.
type Input struct {
	ImagePNG    []byte
	ImageWidth  int
	ImageHeight int
	Reports     []report.Report
	GeneratedAt time.Time
}

// Output is the finished document.
type Output struct {
	PDF   []byte
	Pages int
}

// CategoryColor returns the RGB color for a report category. Pure function:
// the same category always yields the same color.
func CategoryColor(c report.Category) (r, g, b int) {
	switch c {
	case report.CategoryDanger:
		return 200, 30, 45
	case report.CategorySafe:
		return 0, 130, 60
	default:
		return 70, 70, 70
	}
}

func categoryLabel(c report.Category) string {
	switch c {
	case report.CategoryDanger:
		return labelDanger
	case report.CategorySafe:
		return labelSafe
	default:
		return labelUnknownCat
	}
}

func sourceLabel(s report.Source) string {
	if s == report.SourceAnalog {
		return "Analog"
	}
	return "Digital"
}

// ImageHeightFor computes the rendered height for an image scaled to
// contentWidth, preserving the actual pixel aspect ratio exactly.
func ImageHeightFor(contentWidth float64, pxWidth, pxHeight int) float64 {
	return contentWidth * float64(pxHeight) / float64(pxWidth)
}

// Compose builds the multi-page document. Page 1 carries the banner, the
// map image, and the handwriting area; reports follow on subsequent pages,
// one block per report, never split across a page break. The footer is
// stamped on every page in a final pass once the page count is known.
func Compose(in Input) (Output, error) {
	if len(in.ImagePNG) == 0 {
		return Output{}, ErrNoImage
	}
	if in.ImageWidth <= 0 || in.ImageHeight <= 0 {
		return Output{}, fmt.Errorf("compose: bad image dimensions %dx%d", in.ImageWidth, in.ImageHeight)
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	// Pagination is decided per block; the library must not break pages on
	// its own.
	pdf.SetAutoPageBreak(false, 0)

	pdf.AddPage()
	composeFirstPage(pdf, tr, in)

	if len(in.Reports) > 0 {
		composeReportPages(pdf, tr, in.Reports)
	}

	stampFooters(pdf, tr)

	if err := pdf.Error(); err != nil {
		return Output{}, fmt.Errorf("compose: layout: %w", err)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return Output{}, fmt.Errorf("compose: encode: %w", err)
	}
	return Output{PDF: buf.Bytes(), Pages: pdf.PageCount()}, nil
}

func composeFirstPage(pdf *gofpdf.Fpdf, tr func(string) string, in Input) {
	// Banner band.
	pdf.SetFillColor(0, 84, 140)
	pdf.Rect(0, 0, pageWidth, bannerHeight, "F")
	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Helvetica", "B", 18)
	pdf.Text(marginLeft, 13, tr(titleText))
	pdf.SetFont("Helvetica", "", 9)
	pdf.Text(marginLeft, 20, tr("Erstellt am "+in.GeneratedAt.Format("02.01.2006 15:04")))

	y := bannerHeight + 8

	// Map image at content width; height from the actual aspect ratio.
	imgH := ImageHeightFor(ContentWidth, in.ImageWidth, in.ImageHeight)
	opts := gofpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("mapcapture", opts, bytes.NewReader(in.ImagePNG))
	pdf.ImageOptions("mapcapture", marginLeft, y, ContentWidth, imgH, false, opts, 0, "")

	pdf.SetDrawColor(120, 120, 120)
	pdf.SetLineWidth(0.4)
	pdf.Rect(marginLeft, y, ContentWidth, imgH, "D")
	y += imgH + 5

	pdf.SetTextColor(110, 110, 110)
	pdf.SetFont("Helvetica", "I", 9)
	pdf.Text(marginLeft, y, tr(imageCaption))
	y += 9

	pdf.SetTextColor(0, 0, 0)
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Text(marginLeft, y+4, tr(notesHeading))
	y += 7

	pdf.SetFont("Helvetica", "", 10)
	pdf.SetXY(marginLeft, y)
	pdf.MultiCell(ContentWidth, lineHeight, tr(notesBody), "", "L", false)
	y = pdf.GetY() + 4

	// Ruled handwriting box: fills the rest of the page down to the fixed
	// bottom margin, height = annotationBottom - y.
	if y < annotationBottom-ruleSpacing {
		pdf.SetDrawColor(120, 120, 120)
		pdf.SetLineWidth(0.3)
		pdf.Rect(marginLeft, y, ContentWidth, annotationBottom-y, "D")

		pdf.SetDrawColor(190, 190, 190)
		pdf.SetLineWidth(0.2)
		for ly := y + ruleSpacing; ly < annotationBottom-2; ly += ruleSpacing {
			pdf.Line(marginLeft+3, ly, marginLeft+ContentWidth-3, ly)
		}
	}
}

func composeReportPages(pdf *gofpdf.Fpdf, tr func(string) string, reports []report.Report) {
	pdf.AddPage()
	y := reportTopMargin

	pdf.SetTextColor(0, 0, 0)
	pdf.SetFont("Helvetica", "B", 14)
	pdf.Text(marginLeft, y, tr(reportsHeading))
	y += 10

	for _, rep := range reports {
		descLine := tr(descriptionTag + rep.Description)

		// Measure the block first: the page break happens before a block
		// that would cross the threshold, never inside one.
		pdf.SetFont("Helvetica", "", 10)
		lines := pdf.SplitText(descLine, ContentWidth)
		blockH := 4 + 6 + 6 + float64(len(lines))*lineHeight + 5

		if y+blockH > maxContentY {
			pdf.AddPage()
			y = reportTopMargin
		}

		pdf.SetDrawColor(200, 200, 200)
		pdf.SetLineWidth(0.2)
		pdf.Line(marginLeft, y, marginLeft+ContentWidth, y)
		y += 4

		cr, cg, cb := CategoryColor(rep.Category)
		pdf.SetTextColor(cr, cg, cb)
		pdf.SetFont("Helvetica", "B", 11)
		pdf.Text(marginLeft, y+4, tr(categoryLabel(rep.Category)))
		y += 6

		pdf.SetTextColor(40, 40, 40)
		pdf.SetFont("Helvetica", "", 10)
		pdf.Text(marginLeft, y+4, tr(fmt.Sprintf("%s (Quelle: %s)", rep.LocationName, sourceLabel(rep.Source))))
		y += 6

		pdf.SetXY(marginLeft, y)
		pdf.MultiCell(ContentWidth, lineHeight, descLine, "", "L", false)
		y = pdf.GetY() + 5
	}
}

// stampFooters writes the fixed footer on every page. Separate pass: the
// page count is only known once layout has finished.
func stampFooters(pdf *gofpdf.Fpdf, tr func(string) string) {
	total := pdf.PageCount()
	for i := 1; i <= total; i++ {
		pdf.SetPage(i)
		pdf.SetTextColor(120, 120, 120)
		pdf.SetFont("Helvetica", "", 8)
		pdf.SetXY(marginLeft, footerY)
		pdf.CellFormat(ContentWidth, 4, tr(footerText), "", 0, "C", false, 0, "")
	}
}
