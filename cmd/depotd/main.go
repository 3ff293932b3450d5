// Depotd is the depot API server.
//
// Configuration is read from a TOML file and may be overridden by
// command line flags. A minimal invocation is
//
//	depotd -root /var/depot
//
// which serves the depot at /var/depot on port 14000 with no
// authentication. See config.example.toml for the full option list.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	raven "github.com/getsentry/raven-go"

	"github.com/packdepot/depot/depot"
	"github.com/packdepot/depot/server"
)

type config struct {
	DepotRoot     string
	Port          string
	PProfPort     string
	CacheDir      string
	Tokenfile     string
	Mysql         string
	FixityRate    int64
	DisableFixity bool
	SentryDSN     string
}

var (
	configFile = flag.String("config", "", "path to TOML configuration file")
	depotRoot  = flag.String("root", "", "path to the depot root directory")
	portNumber = flag.String("port", "", "port number to listen on")
	pprofPort  = flag.String("pprof", "", "port for the pprof server (off if empty)")
	cacheDir   = flag.String("cache", "", "directory for upload staging and the fixity database")
	tokenFile  = flag.String("tokenfile", "", "user token file (no authentication if empty)")
	showVer    = flag.Bool("version", false, "print the version and exit")
)

func main() {
	flag.Parse()

	if *showVer {
		log.Printf("depotd version %s", server.Version)
		return
	}

	var c config
	if *configFile != "" {
		if _, err := toml.DecodeFile(*configFile, &c); err != nil {
			log.Fatalln("Error reading config file:", err)
		}
	}
	// flags win over the config file
	if *depotRoot != "" {
		c.DepotRoot = *depotRoot
	}
	if *portNumber != "" {
		c.Port = *portNumber
	}
	if *pprofPort != "" {
		c.PProfPort = *pprofPort
	}
	if *cacheDir != "" {
		c.CacheDir = *cacheDir
	}
	if *tokenFile != "" {
		c.Tokenfile = *tokenFile
	}
	if c.DepotRoot == "" {
		c.DepotRoot = "."
	}

	if c.SentryDSN != "" {
		raven.SetDSN(c.SentryDSN)
	}

	var validator server.TokenDecoder
	if c.Tokenfile != "" {
		var err error
		validator, err = server.NewListDecoderFile(c.Tokenfile)
		if err != nil {
			log.Fatalln("Error loading token file:", err)
		}
	}

	d, err := depot.Open(c.DepotRoot, nil)
	if err != nil {
		log.Fatalln("Error opening depot:", err)
	}
	defer d.Close()

	s := &server.RESTServer{
		PortNumber:    c.Port,
		PProfPort:     c.PProfPort,
		Depot:         d,
		Validator:     validator,
		CacheDir:      c.CacheDir,
		MySQL:         c.Mysql,
		FixityRate:    c.FixityRate,
		DisableFixity: c.DisableFixity,
	}

	// gracefully close our socket on interrupt
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		n := <-sig
		log.Println("Received signal", n)
		signal.Stop(sig)
		s.Stop()
	}()

	err = s.Run()
	if err != nil {
		log.Println(err)
	}
	log.Println("Exiting")
}
