/*
 * SECGW Configuration Factory
 */

package factory

import (
	"fmt"
	"os"

	"github.com/asaskevich/govalidator"
	yaml "gopkg.in/yaml.v2"

	"github.com/vpnsetup/secgw/internal/logger"
)

var SecgwConfig *Config

func InitConfigFactory(f string, cfg *Config) error {
	if f == "" {
		// Use default config path
		f = SecgwDefaultConfigPath
	}

	if content, err := os.ReadFile(f); err != nil {
		return fmt.Errorf("[Factory] %+v", err)
	} else {
		logger.CfgLog.Infof("Read config from [%s]", f)
		if yamlErr := yaml.Unmarshal(content, cfg); yamlErr != nil {
			return fmt.Errorf("[Factory] %+v", yamlErr)
		}
	}

	return nil
}

func CheckConfigVersion() error {
	currentVersion := SecgwConfig.GetVersion()

	if currentVersion != SecgwExpectedConfigVersion {
		return fmt.Errorf("config version is [%s], but expected is [%s]",
			currentVersion, SecgwExpectedConfigVersion)
	}

	logger.CfgLog.Infof("config version [%s]", currentVersion)

	return nil
}

func ReadConfig(cfgPath string) (*Config, error) {
	cfg := &Config{}
	if err := InitConfigFactory(cfgPath, cfg); err != nil {
		return nil, fmt.Errorf("ReadConfig [%s] Error: %+v", cfgPath, err)
	}
	if _, err := cfg.Validate(); err != nil {
		if validErrs, ok := err.(govalidator.Errors); ok {
			for _, validErr := range validErrs.Errors() {
				logger.CfgLog.Errorf("%+v", validErr)
			}
		} else {
			logger.CfgLog.Errorf("%+v", err)
		}
		logger.CfgLog.Errorf("[-- PLEASE REFER TO SAMPLE CONFIG FILE COMMENTS --]")
		return nil, fmt.Errorf("config validate Error")
	}
	return cfg, nil
}
