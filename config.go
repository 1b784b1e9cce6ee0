package partclaim

import (
	"github.com/spf13/viper"
)

func loadConfig() {
	viper.SetConfigName("partclaimrc")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.partclaim")

	setupDefaults()

	viper.ReadInConfig()

	viper.SetEnvPrefix("partclaim")
	viper.AutomaticEnv()
}

func setupDefaults() {
	defaultSettings := map[string]interface{}{
		"job_name":                 "partclaim_job",
		"job_id":                   "",
		"partition_count":          271, // Default partition count of the data grid
		"member_count":             3,
		"base_port":                5701,
		"max_concurrency":          16, // Maximum number of in-flight partitions per member
		"max_rounds":               10, // Claim rounds before an unfinished job is reported
		"completed_job_cache_size": DefaultCompletedJobCacheSize,
		"coordinator_function":     "partclaim_coordinator",
		"verbose":                  false,
	}
	for key, value := range defaultSettings {
		viper.SetDefault(key, value)
	}

	aliases := map[string]string{
		"verbose":         "v",
		"partition_count": "p",
		"member_count":    "m",
	}
	for key, alias := range aliases {
		viper.RegisterAlias(alias, key)
	}
}
