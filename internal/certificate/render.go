package certificate

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"herbcert/internal/domain"
)

// ErrNotCertifiable means the verdict does not permit a certificate. Only a
// normal verdict is certifiable.
var ErrNotCertifiable = errors.New("verdict not certifiable")

const (
	imgWidth  = 900
	imgHeight = 620

	marginX    = 48
	lineHeight = 22
)

var (
	bgColor     = color.RGBA{R: 0xfd, G: 0xfc, B: 0xf7, A: 0xff}
	borderColor = color.RGBA{R: 0x2e, G: 0x5d, B: 0x34, A: 0xff}
	inkColor    = color.RGBA{R: 0x1a, G: 0x1a, B: 0x1a, A: 0xff}
	accentColor = color.RGBA{R: 0x2e, G: 0x5d, B: 0x34, A: 0xff}
)

// Render produces the certificate PNG for a batch with a normal verdict.
// The layout is fixed and the encoder deterministic, so identical inputs
// always yield byte-identical output and therefore the same content address.
func Render(rec domain.MeasurementRecord, v domain.Verdict) (domain.CertificateArtifact, error) {
	if v.Status != domain.VerdictNormal {
		return domain.CertificateArtifact{}, fmt.Errorf("%w: status %q", ErrNotCertifiable, v.Status)
	}
	if rec.BatchID == "" || rec.HerbName == "" || rec.LabLicenseID == "" {
		return domain.CertificateArtifact{}, fmt.Errorf("%w: incomplete record", ErrNotCertifiable)
	}

	img := image.NewRGBA(image.Rect(0, 0, imgWidth, imgHeight))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: bgColor}, image.Point{}, draw.Src)
	drawBorder(img, 8)

	d := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{C: inkColor},
		Face: basicfont.Face7x13,
	}

	y := 72
	drawCentered(d, "HERBAL QUALITY CERTIFICATE", y, accentColor)
	y += 2 * lineHeight
	drawCentered(d, "Certificate of Batch Conformity", y, inkColor)
	y += 3 * lineHeight

	lines := []string{
		fmt.Sprintf("Batch ID:        %s", rec.BatchID),
		fmt.Sprintf("Herb:            %s", rec.HerbName),
		fmt.Sprintf("Lab License:     %s", rec.LabLicenseID),
		fmt.Sprintf("Test Date:       %s", rec.TestDate),
		"",
		fmt.Sprintf("Soil pH:         %.2f", rec.Soil.PH),
		fmt.Sprintf("Moisture:        %.2f %%", rec.Biochemical.MoisturePct),
		fmt.Sprintf("Essential Oil:   %.2f %%", rec.Biochemical.EssentialOilPct),
		fmt.Sprintf("Lead:            %.3f ppm", rec.Contaminants.LeadPpm),
		fmt.Sprintf("Arsenic:         %.3f ppm", rec.Contaminants.ArsenicPpm),
		fmt.Sprintf("Aflatoxin:       %.3f ppb", rec.Contaminants.AflatoxinPpb),
		fmt.Sprintf("E. coli:         %s", rec.Microbial.EColiPresent),
		fmt.Sprintf("Salmonella:      %s", rec.Microbial.SalmonellaPresent),
		fmt.Sprintf("DNA Marker:      %s", rec.DNAAuthenticity),
		"",
		fmt.Sprintf("Result:          PASSED - %s", v.Summary),
	}
	if v.QualityRating != nil {
		lines = append(lines, fmt.Sprintf("Quality Rating:  %.1f / 10", *v.QualityRating))
	}
	for _, line := range lines {
		if line != "" {
			d.Dot = fixed.P(marginX, y)
			d.DrawString(line)
		}
		y += lineHeight
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return domain.CertificateArtifact{}, fmt.Errorf("encode certificate: %w", err)
	}
	return domain.CertificateArtifact{
		BatchID:     rec.BatchID,
		ContentType: "image/png",
		Bytes:       buf.Bytes(),
	}, nil
}

func drawBorder(img *image.RGBA, inset int) {
	b := img.Bounds().Inset(inset)
	for x := b.Min.X; x < b.Max.X; x++ {
		img.Set(x, b.Min.Y, borderColor)
		img.Set(x, b.Min.Y+1, borderColor)
		img.Set(x, b.Max.Y-1, borderColor)
		img.Set(x, b.Max.Y-2, borderColor)
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		img.Set(b.Min.X, y, borderColor)
		img.Set(b.Min.X+1, y, borderColor)
		img.Set(b.Max.X-1, y, borderColor)
		img.Set(b.Max.X-2, y, borderColor)
	}
}

func drawCentered(d *font.Drawer, text string, y int, c color.Color) {
	d.Src = &image.Uniform{C: c}
	width := d.MeasureString(text)
	d.Dot = fixed.Point26_6{
		X: (fixed.I(imgWidth) - width) / 2,
		Y: fixed.I(y),
	}
	d.DrawString(text)
	d.Src = &image.Uniform{C: inkColor}
}
