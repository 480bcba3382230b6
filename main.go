package main

import (
	"flag"
	"fmt"

	"github.com/mxgateway/gateway/logger"

	"github.com/mxgateway/gateway/server/conf"
	"github.com/mxgateway/gateway/server/net"
)

const help = `
******************************************************************************************

 __   ____  __        _____  ____  _          _____ ______ _______      ________ _____  
 \ \ / /  \/  |      / ____|/ __ \| |        / ____|  ____|  __ \ \    / /  ____|  __ \ 
  \ V /| \  / |_   _| (___ | |  | | |  _____| (___ | |__  | |__) \ \  / /| |__  | |__) |
   > < | |\/| | | | |\___ \| |  | | | |______\___ \|  __| |  _  / \ \/ / |  __| |  _  / 
  / . \| |  | | |_| |____) | |__| | |____    ____) | |____| | \ \  \  /  | |____| | \ \ 
 /_/ \_\_|  |_|\__, |_____/ \___\_\______|  |_____/|______|_|  \_\  \/   |______|_|  \_\
                __/ |                                                                   
               |___/                                                                    
******************************************************************************************
*Usage:
*1. -- help
*2. -- configPath   path to the my.ini-style config file
******************************************************************************************
`

func main() {
	fmt.Println("Starting mxgateway...")

	fmt.Println("Parsing command line arguments...")
	var configPath string
	flag.StringVar(&configPath, "configPath", "", "path to the config file")
	flag.Parse()

	args := &conf.CommandLineArgs{
		ConfigPath: configPath,
	}

	config := conf.NewCfg().Load(args)
	logger.Debugf("Config loaded: error_log=%s, info_log=%s\n", config.LogError, config.LogInfos)

	logger.Info("Initializing logger...")
	logConfig := logger.LogConfig{
		ErrorLogPath: config.LogError,
		InfoLogPath:  config.LogInfos,
		LogLevel:     config.LogLevel,
	}

	if err := logger.InitLogger(logConfig); err != nil {
		logger.Debugf("Failed to initialize logger: %s\n", err.Error())
		panic("Failed to initialize logger: " + err.Error())
	}
	logger.Infof("Logger initialized successfully with level: %s\n", config.LogLevel)

	logger.Info("mxgateway starting...")
	// net (getty-style event loop) -> protoconn (handshake/auth state
	// machine) -> classifier -> routing collaborator. The gateway itself
	// never executes SQL.
	mysqlServer := net.NewMySQLServer(config)
	logger.Info("Starting MySQL server...")
	mysqlServer.Start()
	logger.Info("success")
	logger.Info("Server started successfully")
}
