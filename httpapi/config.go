package httpapi

// Config defines the presentation bridge settings.
type Config struct {
	Addr     string
	BaseURL  string
	BasePath string
}
