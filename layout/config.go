package layout

import "os"

// A Target describes one consumer application fed by views. KindPaths maps
// an asset kind to the relative directory that application expects inside
// its view, e.g. "checkpoint" -> "models/checkpoints".
type Target struct {
	KindPaths map[string]string
}

// BackupConfig locates the secondary storage root. When Root carries an
// "s3:" prefix the backup store is remote; otherwise it is a directory.
type BackupConfig struct {
	Root    string
	Enabled bool
}

// Config is the persisted contents of config.json.
type Config struct {
	Targets map[string]Target
	Backup  BackupConfig
}

// ReadConfig loads config.json. A missing file is an empty configuration,
// not an error.
func (ly *Layout) ReadConfig() (*Config, error) {
	var c Config
	err := ReadJSON(ly.ConfigFile(), &c)
	if os.IsNotExist(err) {
		err = nil
	}
	if c.Targets == nil {
		c.Targets = make(map[string]Target)
	}
	return &c, err
}

// WriteConfig atomically replaces config.json.
func (ly *Layout) WriteConfig(c *Config) error {
	return WriteJSON(ly.ConfigFile(), c)
}
