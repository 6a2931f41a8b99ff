// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "cartag")
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "logs/cartag.log")

	viper.SetDefault("scorer.provider", "remote")
	viper.SetDefault("scorer.endpoint", "http://localhost:8001")
	viper.SetDefault("scorer.timeout", 30*time.Second)
	viper.SetDefault("scorer.cachettl", 15*time.Minute)
	viper.SetDefault("scorer.requestspersecond", 4.0)
	viper.SetDefault("scorer.geminimodel", "gemini-1.5-flash")

	viper.SetDefault("pipeline.workers", 4)

	viper.SetDefault("review.exportpath", "output/review_queue.json")
	viper.SetDefault("review.maxitems", 200)

	// Per-category decision thresholds. MaxEntropy values are normalized
	// to [0,1]; the angle default corresponds to the raw threshold 1.1
	// over 24 labels (1.1 / ln 24).
	viper.SetDefault("policies.angle.minconfidence", 0.4)
	viper.SetDefault("policies.angle.minmargin", 0.25)
	viper.SetDefault("policies.angle.maxentropy", 0.35)

	viper.SetDefault("policies.brand.minconfidence", 0.5)
	viper.SetDefault("policies.brand.minmargin", 0.3)

	viper.SetDefault("policies.style.minconfidence", 0.4)
	viper.SetDefault("policies.style.labelthreshold", 0.25)

	viper.SetDefault("output.sqlite.enabled", true)
	viper.SetDefault("output.sqlite.path", "databases/car_tags.db")

	viper.SetDefault("output.mysql.enabled", false)
	viper.SetDefault("output.mysql.username", "cartag")
	viper.SetDefault("output.mysql.password", "")
	viper.SetDefault("output.mysql.host", "localhost")
	viper.SetDefault("output.mysql.port", "3306")
	viper.SetDefault("output.mysql.database", "car_tags")
}
