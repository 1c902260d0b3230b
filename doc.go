// Package gcpconfig provides tools for reading variables from Google Cloud Runtime
// Configurator (https://cloud.google.com/deployment-manager/runtime-configurator).
//
// Requests are authorized with the Application Default Credentials unless a service
// account key file is configured with Config.SetKeyFile. The project is taken from
// Config.ProjectID, or the GOOGLE_CLOUD_PROJECT environment variable, falling back to
// the older GCLOUD_PROJECT.
//
//	var cfg gcpconfig.Config
//	envconfig.Process("", &cfg)
//
//	dsn, err := gcpconfig.GetVariable(ctx, cfg, "my-service", "database-dsn")
//
// When running in the Google App Engine Standard Environment, build with the
// 'appengine' tag so outbound requests go through urlfetch.
package gcpconfig
