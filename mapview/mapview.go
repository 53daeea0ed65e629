// Package mapview renders the two HTML faces of the map: the public
// participation form and the internal capture page the export pipeline
// rasterises. Both share one Leaflet setup so a marker looks the same on
// screen and on paper.
package mapview

import (
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io"

	"github.com/stadtlab/schulwegcheck/report"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// IconSpec styles the circle markers. Fill colors are per category; the
// remaining fields apply to both.
type IconSpec struct {
	Radius     int    `yaml:"radius"`
	Weight     int    `yaml:"weight"`
	Border     string `yaml:"border"`
	DangerFill string `yaml:"danger_fill"`
	SafeFill   string `yaml:"safe_fill"`
}

// Config positions the initial viewport and names the tile source.
type Config struct {
	Lat         float64  `yaml:"lat"`
	Lon         float64  `yaml:"lon"`
	Zoom        int      `yaml:"zoom"`
	TileURL     string   `yaml:"tile_url"`
	Attribution string   `yaml:"attribution"`
	Icon        IconSpec `yaml:"icon"`
}

// Defaults returns the viewport and marker style used when the config file
// leaves the map section empty.
func Defaults() Config {
	return Config{
		Lat:         52.2049,
		Lon:         8.6335,
		Zoom:        15,
		TileURL:     "https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png",
		Attribution: `&copy; <a href="https://www.openstreetmap.org/copyright">OpenStreetMap</a>-Mitwirkende`,
		Icon: IconSpec{
			Radius:     9,
			Weight:     2,
			Border:     "#ffffff",
			DangerFill: "#c81e2d",
			SafeFill:   "#00823c",
		},
	}
}

func (c *Config) applyDefaults() {
	d := Defaults()
	if c.Lat == 0 && c.Lon == 0 {
		c.Lat, c.Lon = d.Lat, d.Lon
	}
	if c.Zoom <= 0 {
		c.Zoom = d.Zoom
	}
	if c.TileURL == "" {
		c.TileURL = d.TileURL
	}
	if c.Attribution == "" {
		c.Attribution = d.Attribution
	}
	if c.Icon.Radius <= 0 {
		c.Icon.Radius = d.Icon.Radius
	}
	if c.Icon.Weight <= 0 {
		c.Icon.Weight = d.Icon.Weight
	}
	if c.Icon.Border == "" {
		c.Icon.Border = d.Icon.Border
	}
	if c.Icon.DangerFill == "" {
		c.Icon.DangerFill = d.Icon.DangerFill
	}
	if c.Icon.SafeFill == "" {
		c.Icon.SafeFill = d.Icon.SafeFill
	}
}

// Renderer holds the parsed templates.
type Renderer struct {
	cfg  Config
	tmpl *template.Template
}

// NewRenderer parses the embedded templates once.
func NewRenderer(cfg Config) (*Renderer, error) {
	cfg.applyDefaults()
	tmpl, err := template.ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("mapview: parse templates: %w", err)
	}
	return &Renderer{cfg: cfg, tmpl: tmpl}, nil
}

// markerView is the JSON shape the page scripts consume.
type markerView struct {
	ID       string  `json:"id"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Category string  `json:"category"`
	Name     string  `json:"name"`
}

type pageData struct {
	Cfg         Config
	Attribution template.HTML
	Markers     template.JS
}

func (r *Renderer) pageData(reports []report.Report) (pageData, error) {
	views := make([]markerView, 0, len(reports))
	for _, rep := range reports {
		views = append(views, markerView{
			ID:       rep.ID,
			Lat:      rep.Lat,
			Lon:      rep.Lon,
			Category: string(rep.Category),
			Name:     rep.LocationName,
		})
	}
	raw, err := json.Marshal(views)
	if err != nil {
		return pageData{}, fmt.Errorf("mapview: encode markers: %w", err)
	}
	return pageData{
		Cfg:         r.cfg,
		Attribution: template.HTML(r.cfg.Attribution),
		Markers:     template.JS(raw),
	}, nil
}

// FormPage writes the public participation form.
func (r *Renderer) FormPage(w io.Writer) error {
	data, err := r.pageData(nil)
	if err != nil {
		return err
	}
	if err := r.tmpl.ExecuteTemplate(w, "form.html.tmpl", data); err != nil {
		return fmt.Errorf("mapview: render form: %w", err)
	}
	return nil
}

// CapturePage writes the stripped-down page the export pipeline screenshots.
// All current reports are baked in as markers; the page carries no controls.
func (r *Renderer) CapturePage(w io.Writer, reports []report.Report) error {
	data, err := r.pageData(reports)
	if err != nil {
		return err
	}
	if err := r.tmpl.ExecuteTemplate(w, "capture.html.tmpl", data); err != nil {
		return fmt.Errorf("mapview: render capture page: %w", err)
	}
	return nil
}
