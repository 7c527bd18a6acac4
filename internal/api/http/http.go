package http

type Config struct {
	Port uint `mapstructure:"port"`
	// BaseDomain builds the Location header returned by machine
	// registration.
	BaseDomain string `mapstructure:"base_domain"`
}
