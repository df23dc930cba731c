package constants

const (
	DataPath           string = "data"
	ModelsPath         string = "models"
	TrainPath          string = "data/train"
	ValidationPath     string = "data/validation"
	ModelFile          string = "classificador_gatos_cachorros.keras"
	TrainingPlotFile   string = "resultados_treinamento.png"
	PredictionPrefix   string = "resultado_"
	DefaultModelName   string = "default"
	CatsDir            string = "cats"
	DogsDir            string = "dogs"
	CatLabel           string = "cat"
	DogLabel           string = "dog"
	FrameworkLogEnv    string = "TF_CPP_MIN_LOG_LEVEL"
	FrameworkLogLevel  string = "2"
	ServerAddr         string = ":18080"
	CatalogTable       string = "image_tab"
	CatalogDriver      string = "sqlite3"
	DefaultCatalogConn string = "data/catalog.db"

	ImageSize          int     = 150
	ImageChannels      int     = 3
	BatchSize          int     = 32
	TrainEpochs        int     = 10
	MinImageSide       int     = 10
	ValidationFraction float64 = 0.2
	LearningRate       float64 = 0.001
	DropoutRate        float64 = 0.5
	Threshold          float32 = 0.5

	SplitProgressEvery int = 100
	CleanProgressEvery int = 500
)

// ClassDirs label directories under the train and validation roots
var ClassDirs = []string{CatsDir, DogsDir}

// SplitExtensions image extensions considered by the splitter
var SplitExtensions = []string{".jpg", ".jpeg", ".png"}

// ImageExtensions image extensions considered by the cleaner and the trainer
var ImageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp"}
