// Package i18n holds the localized user-facing messages of the notebook coordinator.
package i18n

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"

	"pkt.systems/notebookx/schema"
)

// Key identifies a message. Keys double as the english fallback text.
type Key string

const (
	StatusIdle       Key = "Idle"
	StatusQueuedNext Key = "Queued (next)"
	StatusQueued     Key = "Queued (%d ahead)"
	StatusRunning    Key = "Running..."
	StatusSuccess    Key = "Done"
	StatusSuccessIn  Key = "Done: %s"
	StatusError      Key = "Error"
	StatusCancelled  Key = "Cancelled"
	StatusReset      Key = "Rerun required"
	StatusInputWait  Key = "Waiting for input"

	SessionIdle       Key = "No session"
	SessionCreating   Key = "Creating session..."
	SessionReady      Key = "Session ready"
	SessionRestarting Key = "Restarting session..."
	SessionStopping   Key = "Stopping session..."
	SessionError      Key = "Session error"

	CancelledByUser   Key = "Execution cancelled by the user."
	CancelledByReset  Key = "Execution stopped because the session was reset."
	CancelLabel       Key = "Cancelled:"
	ErrorLabel        Key = "Error:"
	ExecutionFailed   Key = "Failed to execute the cell"
	RunStartFailed    Key = "Failed to start the cell run"
	RunStatusFailed   Key = "Failed to fetch the run status"
	NoOutput          Key = "No output"
	Executing         Key = "Executing..."
	RerunRequired     Key = "Rerun required. The output of the previous session is shown below."
	CreateFirst       Key = "Create a session first."
	SessionNotCreated Key = "Session not created. Create a new one."
	SessionNotFound   Key = "Session not found. Create a new one."
	SessionStopped    Key = "Session stopped. Create a new one to continue."
	SessionResetDone  Key = "Session restarted. All variables were cleared."
	SessionCreateFail Key = "Failed to create the session"
	SessionResetFail  Key = "Failed to restart the session"
	SessionStopFail   Key = "Failed to stop the session"
	PresencePrompt    Key = "Are you still there? The session will be stopped at %s unless you confirm."
	PresenceConfirmed Key = "Presence confirmed."
	Banned            Key = "The session was stopped after a long period of inactivity."
	InputPrompt       Key = "Input"
	InputClosed       Key = "Input was closed before the run finished."

	DeviceInvalid      Key = "Invalid compute device."
	DeviceUnavailable  Key = "The compute device cannot be saved."
	DeviceUpdateFail   Key = "Failed to update the compute device"
	DeviceAfterRestart Key = "The change applies after the session restarts."
)

var latvian = map[Key]string{
	StatusIdle:        "Gaida",
	StatusQueuedNext:  "Rindā (nākamā)",
	StatusQueued:      "Rindā (priekšā %d)",
	StatusRunning:     "Izpilda...",
	StatusSuccess:     "Gatavs",
	StatusSuccessIn:   "Gatavs: %s",
	StatusError:       "Kļūda",
	StatusCancelled:   "Atcelts",
	StatusReset:       "Jāpalaiž atkārtoti",
	StatusInputWait:   "Gaida ievadi",
	SessionIdle:       "Nav sesijas",
	SessionCreating:   "Veido sesiju...",
	SessionReady:      "Sesija gatava",
	SessionRestarting: "Restartē sesiju...",
	SessionStopping:   "Aptur sesiju...",
	SessionError:      "Sesijas kļūda",
	CancelledByUser:   "Izpildi atcēla lietotājs.",
	CancelledByReset:  "Izpilde apturēta, jo sesija tika restartēta.",
	CancelLabel:       "Atcelts:",
	ErrorLabel:        "Kļūda:",
	ExecutionFailed:   "Neizdevās izpildīt šūnu",
	RunStartFailed:    "Neizdevās sākt šūnas izpildi",
	RunStatusFailed:   "Neizdevās iegūt izpildes statusu",
	NoOutput:          "Nav izvades",
	Executing:         "Izpilda...",
	RerunRequired:     "Jāpalaiž atkārtoti. Zemāk redzama iepriekšējās sesijas izvade.",
	CreateFirst:       "Vispirms izveidojiet sesiju.",
	SessionNotCreated: "Sesija nav izveidota. Izveidojiet jaunu.",
	SessionNotFound:   "Sesija nav atrasta. Izveidojiet jaunu.",
	SessionStopped:    "Sesija apturēta. Izveidojiet jaunu, lai turpinātu.",
	SessionResetDone:  "Sesija restartēta. Visi mainīgie notīrīti.",
	SessionCreateFail: "Neizdevās izveidot sesiju",
	SessionResetFail:  "Neizdevās restartēt sesiju",
	SessionStopFail:   "Neizdevās apturēt sesiju",
	PresencePrompt:    "Vai jūs vēl esat šeit? Sesija tiks apturēta %s, ja neapstiprināsiet.",
	PresenceConfirmed: "Klātbūtne apstiprināta.",
	Banned:            "Sesija apturēta ilgstošas neaktivitātes dēļ.",
	InputPrompt:       "Ievade",
	InputClosed:       "Ievade tika aizvērta pirms izpildes beigām.",

	DeviceInvalid:      "Nederīga skaitļošanas ierīce.",
	DeviceUnavailable:  "Skaitļošanas ierīci nevar saglabāt.",
	DeviceUpdateFail:   "Neizdevās atjaunināt skaitļošanas ierīci",
	DeviceAfterRestart: "Izmaiņas stāsies spēkā pēc sesijas restartēšanas.",
}

var russian = map[Key]string{
	StatusIdle:        "Ожидание",
	StatusQueuedNext:  "Ожидает запуска (следующая)",
	StatusQueued:      "Ожидает запуска (перед ней %d)",
	StatusRunning:     "Выполняется...",
	StatusSuccess:     "Готово",
	StatusSuccessIn:   "Готово: %s",
	StatusError:       "Ошибка",
	StatusCancelled:   "Отменено",
	StatusReset:       "Нужен повторный запуск",
	StatusInputWait:   "Ожидает ввода",
	SessionIdle:       "Сессия не создана",
	SessionCreating:   "Создание сессии...",
	SessionReady:      "Сессия создана",
	SessionRestarting: "Перезапуск сессии...",
	SessionStopping:   "Остановка сессии...",
	SessionError:      "Ошибка сессии. Создайте новую.",
	CancelledByUser:   "Выполнение отменено пользователем.",
	CancelledByReset:  "Выполнение остановлено из-за перезапуска сессии.",
	CancelLabel:       "Отменено:",
	ErrorLabel:        "Ошибка:",
	ExecutionFailed:   "Не удалось выполнить ячейку",
	RunStartFailed:    "Не удалось запустить выполнение ячейки",
	RunStatusFailed:   "Не удалось получить статус выполнения",
	NoOutput:          "Нет вывода",
	Executing:         "Выполнение...",
	RerunRequired:     "Нужен повторный запуск. Ниже показан вывод предыдущей сессии.",
	CreateFirst:       "Сначала создайте сессию.",
	SessionNotCreated: "Сессия не создана. Создайте новую.",
	SessionNotFound:   "Сессия не найдена. Создайте новую.",
	SessionStopped:    "Сессия остановлена. Создайте новую для продолжения работы.",
	SessionResetDone:  "Сессия перезапущена. Все переменные очищены.",
	SessionCreateFail: "Не удалось создать сессию",
	SessionResetFail:  "Не удалось перезапустить сессию",
	SessionStopFail:   "Не удалось остановить сессию",
	PresencePrompt:    "Вы ещё здесь? Сессия будет остановлена в %s, если вы не подтвердите.",
	PresenceConfirmed: "Присутствие подтверждено.",
	Banned:            "Сессия остановлена из-за длительного бездействия.",
	InputPrompt:       "Ввод",
	InputClosed:       "Ввод закрыт до завершения выполнения.",

	DeviceInvalid:      "Недопустимое устройство вычислений.",
	DeviceUnavailable:  "Не удалось сохранить устройство вычислений.",
	DeviceUpdateFail:   "Не удалось обновить устройство вычислений",
	DeviceAfterRestart: "Изменение применится после перезапуска сессии",

	"%.1f s": "%.1f с",
	"%d ms":  "%d мс",
}

var supported = []language.Tag{language.English, language.Latvian, language.Russian}

var (
	matcher = language.NewMatcher(supported)
	builder = newBuilder()
)

func newBuilder() *catalog.Builder {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for key, text := range latvian {
		_ = b.SetString(language.Latvian, string(key), text)
	}
	for key, text := range russian {
		_ = b.SetString(language.Russian, string(key), text)
	}
	return b
}

// Messages formats localized messages for one language.
type Messages struct {
	tag     language.Tag
	printer *message.Printer
}

// New returns messages for the best match of lang. Unknown languages fall back to english.
func New(lang string) *Messages {
	tag := language.English
	if trimmed := strings.TrimSpace(lang); trimmed != "" {
		if parsed, err := language.Parse(trimmed); err == nil {
			_, idx, confidence := matcher.Match(parsed)
			if confidence != language.No {
				tag = supported[idx]
			}
		}
	}
	return &Messages{tag: tag, printer: message.NewPrinter(tag, message.Catalog(builder))}
}

// Default returns english messages.
func Default() *Messages {
	return New("en")
}

// Language returns the selected language tag.
func (m *Messages) Language() language.Tag {
	if m == nil {
		return language.English
	}
	return m.tag
}

// T formats the message for key.
func (m *Messages) T(key Key, args ...any) string {
	if m == nil {
		return fmt.Sprintf(string(key), args...)
	}
	return m.printer.Sprintf(string(key), args...)
}

// Duration formats a run duration the way status badges show it.
func (m *Messages) Duration(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	if ms >= 1000 {
		return m.T("%.1f s", float64(ms)/1000)
	}
	return m.T("%d ms", ms)
}

// CellStatus describes a cell status for display.
func (m *Messages) CellStatus(record schema.StatusRecord) string {
	switch record.State {
	case schema.CellRunning:
		return m.T(StatusRunning)
	case schema.CellSuccess:
		if record.Meta != nil && record.Meta.DurationMs != nil {
			return m.T(StatusSuccessIn, m.Duration(time.Duration(*record.Meta.DurationMs)*time.Millisecond))
		}
		return m.T(StatusSuccess)
	case schema.CellQueued:
		if record.Meta != nil && record.Meta.QueueAhead != nil && *record.Meta.QueueAhead > 0 {
			return m.T(StatusQueued, *record.Meta.QueueAhead)
		}
		return m.T(StatusQueuedNext)
	case schema.CellError:
		return m.T(StatusError)
	case schema.CellCancelled:
		return m.T(StatusCancelled)
	case schema.CellReset:
		return m.T(StatusReset)
	case schema.CellInputWait:
		return m.T(StatusInputWait)
	default:
		return m.T(StatusIdle)
	}
}

// Session describes a session snapshot. A retained message wins over the state label.
func (m *Messages) Session(snapshot schema.SessionSnapshot) string {
	if snapshot.Message != "" {
		return snapshot.Message
	}
	switch snapshot.State {
	case schema.SessionCreating:
		return m.T(SessionCreating)
	case schema.SessionReady:
		return m.T(SessionReady)
	case schema.SessionRestarting:
		return m.T(SessionRestarting)
	case schema.SessionStopping:
		return m.T(SessionStopping)
	case schema.SessionError:
		return m.T(SessionError)
	default:
		return m.T(SessionIdle)
	}
}
